package musicleague

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Materializer forces a lazily-loaded page to reveal all of its
// content before it is read. The remote app streams in more items as
// the viewport reaches the bottom; re-requesting the page with a live
// session has the same effect, so the loop refetches until the item
// count stops growing across two consecutive checks.
type Materializer struct {
	Client *Client
	// MaxCycles bounds the number of load cycles. Hitting it while the
	// count is still growing is tolerated, not fatal.
	MaxCycles int
	// SettleWait is how long to let the remote end settle between
	// cycles.
	SettleWait time.Duration
}

type Page struct {
	Doc   *goquery.Document
	Count int
	// Partial is set when MaxCycles elapsed while the item count was
	// still growing.
	Partial bool
}

// Empty reports the distinct zero-items outcome. Callers decide
// whether that is expected or anomalous.
func (p Page) Empty() bool {
	return p.Count == 0
}

func (m Materializer) Materialize(ctx context.Context, pageUrl, itemSelector string) (Page, error) {
	ctx, span := tracer.Start(ctx, "materialize")
	defer span.End()
	span.SetAttributes(
		attribute.String("url", pageUrl),
		attribute.String("selector", itemSelector),
	)

	maxCycles := m.MaxCycles
	if maxCycles < 2 {
		maxCycles = 2
	}

	var doc *goquery.Document
	previous := -1
	for cycle := 0; cycle < maxCycles; cycle++ {
		if cycle > 0 {
			select {
			case <-time.After(m.SettleWait):
			case <-ctx.Done():
				return Page{}, ctx.Err()
			}
		}

		res, err := m.Client.Http.R().
			SetContext(ctx).
			Get(pageUrl)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to fetch page")
			return Page{}, err
		}
		if res.IsError() {
			err = fmt.Errorf("unexpected status %d for %s", res.StatusCode(), pageUrl)
			span.RecordError(err)
			span.SetStatus(codes.Error, "bad status")
			return Page{}, err
		}
		doc, err = goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to parse html")
			return Page{}, err
		}

		count := doc.Find(itemSelector).Length()
		slog.DebugContext(ctx, "materialize cycle", "url", pageUrl, "cycle", cycle, "items", count)

		if count == previous {
			span.SetAttributes(attribute.Int("items", count))
			return Page{Doc: doc, Count: count}, nil
		}
		previous = count
	}

	slog.WarnContext(ctx, "page still growing at max load cycles, returning partial content",
		"url", pageUrl, "items", previous, "max_cycles", maxCycles)
	span.SetAttributes(attribute.Int("items", previous), attribute.Bool("partial", true))
	return Page{Doc: doc, Count: previous, Partial: true}, nil
}
