package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"leaguevault/lib/retry"
	"leaguevault/lib/scrapers/musicleague"

	"github.com/mazen160/go-random"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("services/archive")

type Options struct {
	// MaxCycles and SettleWait drive page materialization.
	MaxCycles  int
	SettleWait time.Duration

	// Randomized pause between page loads so the remote end is not
	// hammered. Both zero disables the pause.
	MinRequestDelay time.Duration
	MaxRequestDelay time.Duration

	Retry retry.Controller

	// Strict leaves a league incomplete while any of its rounds is
	// failed; lenient marks it complete regardless.
	Strict bool

	// NameFilter restricts processing to leagues whose title contains
	// the substring (case-insensitive). Non-matching leagues get no
	// checkpoint and no rows.
	NameFilter string

	// MaxPoints is the vote score ceiling; rows beyond it are rejected.
	MaxPoints int
}

type Summary struct {
	Leagues        int
	Rounds         int
	Songs          int
	Votes          int
	FailedLeagues  int
	FailedRounds   int
	SkippedLeagues int
	RejectedVotes  int
}

func (s Summary) Clean() bool {
	return s.FailedLeagues == 0 && s.FailedRounds == 0
}

// Pipeline walks the four-level hierarchy (listing -> league -> round
// -> songs/votes), consulting checkpoints to skip completed work and
// committing each round as one atomic unit.
type Pipeline struct {
	client      *musicleague.Client
	store       Store
	checkpoints Checkpoints
	opts        Options
}

func NewPipeline(client *musicleague.Client, database *sql.DB, opts Options) Pipeline {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Controller{
			MaxAttempts: 3,
			BackoffBase: time.Second * 5,
			BackoffCap:  time.Minute,
		}
	}
	if opts.MaxPoints == 0 {
		opts.MaxPoints = 5
	}
	return Pipeline{
		client:      client,
		store:       NewStore(database),
		checkpoints: NewCheckpoints(database),
		opts:        opts,
	}
}

func (p Pipeline) Run(ctx context.Context) (Summary, error) {
	ctx, span := tracer.Start(ctx, "pipeline:Run")
	defer span.End()

	var summary Summary

	_, err := p.checkpoints.ResetInProgress(ctx)
	if err != nil {
		return summary, &retry.FatalError{Err: err}
	}

	rootStatus, err := p.checkpoints.Status(ctx, RootKey, "")
	if err != nil {
		return summary, &retry.FatalError{Err: err}
	}
	if rootStatus == StatusComplete {
		slog.InfoContext(ctx, "all checkpoints complete, nothing to extract")
		return summary, nil
	}

	materializer := musicleague.Materializer{
		Client:     p.client,
		MaxCycles:  p.opts.MaxCycles,
		SettleWait: p.opts.SettleWait,
	}

	listing, err := p.materialize(ctx, materializer, musicleague.CompletedPath, musicleague.ListingItemSelector)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to materialize league listing")
		return summary, err
	}

	leagues := p.client.ParseLeagueList(ctx, listing.Doc)
	slog.InfoContext(ctx, "league listing materialized", "leagues", len(leagues))

	for _, league := range leagues {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		if !p.matchesFilter(league.Title) {
			summary.SkippedLeagues++
			continue
		}

		status, err := p.checkpoints.Status(ctx, league.ID, "")
		if err != nil {
			return summary, &retry.FatalError{Err: err}
		}
		if status == StatusComplete {
			slog.DebugContext(ctx, "league already complete", "league", league.Title)
			continue
		}

		err = p.runLeague(ctx, materializer, league, &summary)
		if err != nil {
			return summary, err
		}
	}

	// a filtered run never seals the listing, the skipped leagues are
	// still owed an extraction
	if summary.Clean() && summary.SkippedLeagues == 0 {
		incomplete, err := p.checkpoints.Incomplete(ctx)
		if err != nil {
			return summary, &retry.FatalError{Err: err}
		}
		if incomplete == 0 {
			err = p.checkpoints.MarkComplete(ctx, RootKey, "")
			if err != nil {
				return summary, &retry.FatalError{Err: err}
			}
		}
	}

	span.SetAttributes(
		attribute.Int("leagues", summary.Leagues),
		attribute.Int("rounds", summary.Rounds),
		attribute.Int("failed_rounds", summary.FailedRounds),
	)
	return summary, nil
}

func (p Pipeline) runLeague(ctx context.Context, m musicleague.Materializer, league musicleague.LeagueRef, summary *Summary) error {
	ctx, span := tracer.Start(ctx, "pipeline:runLeague")
	defer span.End()
	span.SetAttributes(attribute.String("league", league.ID))

	slog.InfoContext(ctx, "processing league", "title", league.Title)

	err := p.checkpoints.MarkInProgress(ctx, league.ID, "")
	if err != nil {
		return &retry.FatalError{Err: err}
	}
	err = p.store.UpsertLeague(ctx, League{ID: league.ID, Title: league.Title, URL: league.URL})
	if err != nil {
		return &retry.FatalError{Err: err}
	}

	detail, err := p.materialize(ctx, m, league.URL, musicleague.CardSelector)
	if err != nil {
		if isFatal(err) || ctx.Err() != nil {
			// a cancelled unit stays in_progress, safe to retry on
			// the next run
			return err
		}
		slog.ErrorContext(ctx, "failed to materialize league page", "league", league.Title, "err", err)
		summary.FailedLeagues++
		return p.checkpoints.MarkFailed(ctx, league.ID, "", err.Error())
	}

	rounds := p.client.ParseLeagueRounds(ctx, detail.Doc, league.ID)
	if len(rounds) == 0 {
		// a league with no finished rounds is empty, not broken
		slog.InfoContext(ctx, "league has no finished rounds", "league", league.Title)
	}

	byID := map[string]musicleague.RoundRef{}
	for _, round := range rounds {
		byID[round.ID] = round
		err = p.store.UpsertRound(ctx, Round{
			ID:          round.ID,
			LeagueID:    round.LeagueID,
			Number:      round.Number,
			Title:       round.Title,
			Description: round.Description,
			URL:         round.URL,
		})
		if err != nil {
			return &retry.FatalError{Err: err}
		}
		err = p.checkpoints.Ensure(ctx, league.ID, round.ID)
		if err != nil {
			return &retry.FatalError{Err: err}
		}
	}

	pending, err := p.checkpoints.PendingRounds(ctx, league.ID)
	if err != nil {
		return &retry.FatalError{Err: err}
	}

	for _, roundID := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		round, ok := byID[roundID]
		if !ok {
			// checkpointed on a previous run but missing from the
			// page now; leave it pending rather than guess
			slog.WarnContext(ctx, "pending round no longer listed", "round", roundID)
			continue
		}

		err = p.runRound(ctx, m, round, summary)
		if err != nil {
			return err
		}
	}

	failed, err := p.checkpoints.FailedRounds(ctx, league.ID)
	if err != nil {
		return &retry.FatalError{Err: err}
	}

	summary.Leagues++
	if failed > 0 && p.opts.Strict {
		summary.FailedLeagues++
		return p.checkpoints.MarkFailed(ctx, league.ID, "",
			fmt.Sprintf("%d rounds failed", failed))
	}
	return p.checkpoints.MarkComplete(ctx, league.ID, "")
}

func (p Pipeline) runRound(ctx context.Context, m musicleague.Materializer, round musicleague.RoundRef, summary *Summary) error {
	ctx, span := tracer.Start(ctx, "pipeline:runRound")
	defer span.End()
	span.SetAttributes(attribute.String("round", round.ID))

	slog.InfoContext(ctx, "processing round", "number", round.Number, "title", round.Title)

	err := p.checkpoints.MarkInProgress(ctx, round.LeagueID, round.ID)
	if err != nil {
		return &retry.FatalError{Err: err}
	}

	results, err := p.materialize(ctx, m, round.URL, musicleague.CardSelector)
	if err != nil {
		if isFatal(err) || ctx.Err() != nil {
			return err
		}
		slog.ErrorContext(ctx, "round extraction failed", "round", round.Title, "err", err)
		summary.FailedRounds++
		return p.checkpoints.MarkFailed(ctx, round.LeagueID, round.ID, err.Error())
	}

	var songs []Song
	if results.Empty() {
		// a round with no songs is recorded as-is
		slog.InfoContext(ctx, "round page is empty", "round", round.Title)
	} else {
		parsed, rejected := p.client.ParseRoundResults(ctx, results.Doc, p.opts.MaxPoints)
		summary.RejectedVotes += rejected
		songs = make([]Song, len(parsed))
		for i, row := range parsed {
			songs[i] = songFromRow(row)
		}
	}

	err = p.store.SaveRoundResults(ctx, Round{
		ID:          round.ID,
		LeagueID:    round.LeagueID,
		Number:      round.Number,
		Title:       round.Title,
		Description: round.Description,
		URL:         round.URL,
	}, songs)
	if err != nil {
		slog.ErrorContext(ctx, "failed to persist round", "round", round.Title, "err", err)
		summary.FailedRounds++
		return p.checkpoints.MarkFailed(ctx, round.LeagueID, round.ID, err.Error())
	}

	summary.Rounds++
	summary.Songs += len(songs)
	for _, song := range songs {
		summary.Votes += len(song.Votes)
	}

	return p.checkpoints.MarkComplete(ctx, round.LeagueID, round.ID)
}

// materialize wraps a page materialization in the retry controller and
// applies the inter-request pause.
func (p Pipeline) materialize(ctx context.Context, m musicleague.Materializer, pageUrl, selector string) (musicleague.Page, error) {
	var page musicleague.Page
	err := p.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		page, err = m.Materialize(ctx, pageUrl, selector)
		return err
	}, retry.AlwaysTransient)
	if err != nil {
		return musicleague.Page{}, err
	}

	p.pause(ctx)
	return page, nil
}

func (p Pipeline) pause(ctx context.Context) {
	if p.opts.MaxRequestDelay <= 0 {
		return
	}
	delay := p.opts.MinRequestDelay
	spread := int(p.opts.MaxRequestDelay - p.opts.MinRequestDelay)
	if spread > 0 {
		n, err := random.IntRange(0, spread)
		if err == nil {
			delay += time.Duration(n)
		}
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

func (p Pipeline) matchesFilter(title string) bool {
	if p.opts.NameFilter == "" {
		return true
	}
	return strings.Contains(
		strings.ToLower(title),
		strings.ToLower(p.opts.NameFilter),
	)
}

func songFromRow(row musicleague.SongRow) Song {
	votes := make([]Vote, len(row.Votes))
	for i, vote := range row.Votes {
		votes[i] = Vote{Voter: vote.Voter, Points: vote.Points, Comment: vote.Comment}
	}
	return Song{
		Title:             row.Title,
		Artist:            row.Artist,
		Album:             row.Album,
		SpotifyURL:        row.SpotifyURL,
		Submitter:         row.Submitter,
		SubmitterComment:  row.SubmitterComment,
		TotalVotesAwarded: row.TotalVotesAwarded,
		FinalScore:        row.FinalScore,
		NumVoters:         row.NumVoters,
		Order:             row.Order,
		Votes:             votes,
	}
}

func isFatal(err error) bool {
	var fatal *retry.FatalError
	return errors.As(err, &fatal)
}
