package musicleague

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"leaguevault/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

// Each page type gets its own reader returning a strongly-shaped
// result, keeping the brittle selector knowledge in one place.

type LeagueRef struct {
	ID    string
	Title string
	URL   string
}

type RoundRef struct {
	ID          string
	LeagueID    string
	Number      int
	Title       string
	Description string
	URL         string
}

type VoteRow struct {
	Voter   string
	Points  int
	Comment string
}

type SongRow struct {
	Title             string
	Artist            string
	Album             string
	SpotifyURL        string
	Submitter         string
	SubmitterComment  string
	TotalVotesAwarded int
	FinalScore        int
	NumVoters         int
	Order             int
	Votes             []VoteRow
}

var leagueHrefRegex = regexp.MustCompile(`/l/([a-f0-9]{32})/`)

// ListingItemSelector matches one league link on the completed-leagues
// listing; used as the materializer's growth probe.
const ListingItemSelector = `a[href*="/l/"]`

// CardSelector matches round and song cards alike, both pages render
// them as bootstrap cards.
const CardSelector = "div.card"

// ParseLeagueList reads the completed-leagues listing page.
func (c *Client) ParseLeagueList(ctx context.Context, doc *goquery.Document) []LeagueRef {
	var leagues []LeagueRef
	seen := map[string]bool{}

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href := sel.AttrOr("href", "")
		groups := leagueHrefRegex.FindStringSubmatch(href)
		if len(groups) < 2 {
			return
		}
		id := groups[1]
		if seen[id] {
			return
		}

		title := htmlutil.CleanText(sel.Text())
		if title == "" || strings.Contains(strings.ToLower(title), "create") {
			return
		}

		seen[id] = true
		leagues = append(leagues, LeagueRef{
			ID:    id,
			Title: title,
			URL:   c.AbsoluteUrl(fmt.Sprintf("/l/%s/", id)),
		})
	})

	slog.DebugContext(ctx, "parsed league listing", "leagues", len(leagues))
	return leagues
}

var roundNumberRegex = regexp.MustCompile(`(?i)^ROUND\s*(\d+)\s*`)
var roundPrefixRegex = regexp.MustCompile(`^[A-Z]*\d+\.(\d+)\s+(.+)`)

// ParseLeagueRounds reads a league detail page and returns its rounds
// in presentation order. Cards without a RESULTS link (still-open
// rounds) are skipped.
func (c *Client) ParseLeagueRounds(ctx context.Context, doc *goquery.Document, leagueID string) []RoundRef {
	roundHrefRegex := regexp.MustCompile(fmt.Sprintf(`/l/%s/([a-f0-9]{32})/`, regexp.QuoteMeta(leagueID)))

	var rounds []RoundRef
	seen := map[string]bool{}

	doc.Find(CardSelector).Each(func(_ int, card *goquery.Selection) {
		var roundID string
		card.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
			if !strings.Contains(a.Text(), "RESULTS") {
				return true
			}
			groups := roundHrefRegex.FindStringSubmatch(a.AttrOr("href", ""))
			if len(groups) < 2 {
				return true
			}
			roundID = groups[1]
			return false
		})
		if roundID == "" || seen[roundID] {
			return
		}

		number := len(rounds) + 1
		title := fmt.Sprintf("Round %d", number)

		titleText := htmlutil.CleanText(card.Find("h5.card-title").First().Text())
		if titleText != "" {
			if groups := roundNumberRegex.FindStringSubmatch(titleText); len(groups) >= 2 {
				number, _ = strconv.Atoi(groups[1])
				title = strings.TrimSpace(roundNumberRegex.ReplaceAllString(titleText, ""))
			} else if groups := roundPrefixRegex.FindStringSubmatch(titleText); len(groups) >= 3 {
				number, _ = strconv.Atoi(groups[1])
				title = strings.TrimSpace(groups[2])
			} else {
				title = titleText
			}
		}

		description := strings.TrimSpace(card.Find("p.card-text").First().Text())

		seen[roundID] = true
		rounds = append(rounds, RoundRef{
			ID:          roundID,
			LeagueID:    leagueID,
			Number:      number,
			Title:       title,
			Description: description,
			URL:         c.AbsoluteUrl(fmt.Sprintf("/l/%s/%s/", leagueID, roundID)),
		})
	})

	slog.DebugContext(ctx, "parsed league rounds", "league", leagueID, "rounds", len(rounds))
	return rounds
}

var votersRegex = regexp.MustCompile(`(\d+)\s+voters?`)
var numberRegex = regexp.MustCompile(`(\d+)`)

// ParseRoundResults reads a round results page into song rows with
// their nested votes. Vote points outside [0, maxPoints] are rejected
// rows (never clamped); rejected counts how many were dropped.
func (c *Client) ParseRoundResults(ctx context.Context, doc *goquery.Document, maxPoints int) (songs []SongRow, rejected int) {
	doc.Find(CardSelector).Each(func(_ int, card *goquery.Selection) {
		song, ok := c.parseSongCard(ctx, card, maxPoints, &rejected)
		if !ok {
			return
		}
		song.Order = len(songs) + 1
		songs = append(songs, song)
	})

	slog.DebugContext(ctx, "parsed round results", "songs", len(songs), "rejected_votes", rejected)
	return songs, rejected
}

func (c *Client) parseSongCard(ctx context.Context, card *goquery.Selection, maxPoints int, rejected *int) (SongRow, bool) {
	spotifyLink := card.Find(`a[href*="spotify.com/track"]`).First()
	if spotifyLink.Length() == 0 {
		return SongRow{}, false
	}

	var voterInfo string
	card.Find("p").EachWithBreak(func(_ int, p *goquery.Selection) bool {
		if votersRegex.MatchString(p.Text()) {
			voterInfo = p.Text()
			return false
		}
		return true
	})
	if voterInfo == "" {
		// not a song card
		return SongRow{}, false
	}

	song := SongRow{
		Title:      htmlutil.CleanText(spotifyLink.Text()),
		SpotifyURL: spotifyLink.AttrOr("href", ""),
	}

	if groups := votersRegex.FindStringSubmatch(voterInfo); len(groups) >= 2 {
		song.NumVoters, _ = strconv.Atoi(groups[1])
	}

	card.Find("p.card-text").Each(func(_ int, p *goquery.Selection) {
		text := htmlutil.CleanText(p.Text())
		if text == "" || strings.Contains(strings.ToLower(text), "spotify") {
			return
		}
		secondary := strings.Contains(p.AttrOr("class", ""), "text-body-secondary")
		if song.Artist == "" && !secondary {
			song.Artist = text
		} else if song.Album == "" && secondary {
			song.Album = text
		}
	})

	song.Submitter = parseSubmitter(card)
	song.SubmitterComment = parseSubmitterComment(card)
	song.Votes = parseFooterVotes(ctx, card, maxPoints, rejected)

	for _, vote := range song.Votes {
		song.TotalVotesAwarded += vote.Points
	}
	song.FinalScore = song.TotalVotesAwarded

	// a struck-through total marks a rule violation, the real score
	// follows the strike
	strike := card.Find("s.text-danger").First()
	if strike.Length() > 0 {
		parentText := strike.Parent().Text()
		strikeText := strings.TrimSpace(strike.Text())
		if idx := strings.Index(parentText, strikeText); idx >= 0 {
			after := parentText[idx+len(strikeText):]
			if groups := numberRegex.FindStringSubmatch(after); len(groups) >= 2 {
				song.FinalScore, _ = strconv.Atoi(groups[1])
				slog.InfoContext(ctx, "rule violation detected",
					"song", song.Title,
					"awarded", song.TotalVotesAwarded,
					"final_score", song.FinalScore,
				)
			}
		}
	}

	return song, true
}

func parseSubmitter(card *goquery.Selection) string {
	submitterDiv := card.Find(`div[class*="rank-"] .row .col.text-truncate`).First()
	if submitterDiv.Length() == 0 {
		return "Unknown"
	}

	submitter := htmlutil.CleanText(submitterDiv.Contents().First().Text())
	if submitter == "" {
		submitter = htmlutil.CleanText(submitterDiv.Text())
	}

	if idx := strings.Index(submitter, "Did not vote"); idx >= 0 {
		submitter = strings.TrimSpace(submitter[:idx])
	}
	if len(submitter) < 2 {
		return "Unknown"
	}
	return submitter
}

func parseSubmitterComment(card *goquery.Selection) string {
	var comment string
	card.Find("div.bg-body-tertiary, p.bg-body-tertiary").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		text := strings.TrimSpace(sel.Text())
		if len(text) < 2 {
			return true
		}
		lower := strings.ToLower(text)
		for _, skip := range []string{"spotify", "voter", "track"} {
			if strings.Contains(lower, skip) {
				return true
			}
		}
		comment = text
		return false
	})
	return comment
}

func parseFooterVotes(ctx context.Context, card *goquery.Selection, maxPoints int, rejected *int) []VoteRow {
	var votes []VoteRow

	footer := card.Find("div.card-footer").First()
	if footer.Length() == 0 {
		return votes
	}

	footer.Find("div.row").Each(func(_ int, row *goquery.Selection) {
		voterTag := row.Find("b.text-body").First()
		if voterTag.Length() == 0 {
			return
		}
		voter := htmlutil.CleanText(voterTag.Text())

		pointsTag := row.Find("h6.m-0").First()
		if pointsTag.Length() == 0 {
			return
		}
		points, err := strconv.Atoi(strings.TrimSpace(pointsTag.Text()))
		if err != nil {
			return
		}
		if points < 0 || points > maxPoints {
			*rejected++
			slog.WarnContext(ctx, "rejecting vote with out-of-bound points",
				"voter", voter, "points", points, "max", maxPoints)
			return
		}

		comment := ""
		commentTag := row.Find("span.text-break").First()
		if commentTag.Length() > 0 {
			comment = strings.TrimSpace(commentTag.Text())
		}

		votes = append(votes, VoteRow{
			Voter:   voter,
			Points:  points,
			Comment: comment,
		})
	})

	return votes
}
