package archive

import (
	"context"
	"database/sql"
	"log/slog"
	"regexp"
	"strings"
	"unicode"
)

type League struct {
	ID    string
	Title string
	URL   string
}

type Round struct {
	ID          string
	LeagueID    string
	Number      int
	Title       string
	Description string
	URL         string
}

type Song struct {
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
	Votes             []Vote
}

type Vote struct {
	Voter   string
	Points  int
	Comment string
}

// Store persists extracted entities with idempotent upsert semantics.
// All natural keys come from the remote app, so re-applying a batch
// never duplicates rows.
type Store struct {
	db *sql.DB
}

func NewStore(database *sql.DB) Store {
	return Store{db: database}
}

func (s Store) UpsertLeague(ctx context.Context, league League) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leagues (id, title, url) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			url = excluded.url,
			updated_at = unixepoch()`,
		league.ID, league.Title, league.URL,
	)
	return err
}

func (s Store) UpsertRound(ctx context.Context, round Round) error {
	return upsertRound(ctx, s.db, round)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertRound(ctx context.Context, db execer, round Round) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO rounds (id, league_id, round_number, title, description, url)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			round_number = excluded.round_number,
			title = excluded.title,
			description = excluded.description,
			url = excluded.url,
			updated_at = unixepoch()`,
		round.ID, round.LeagueID, round.Number, round.Title, round.Description, round.URL,
	)
	return err
}

// SaveRoundResults writes one round's songs and votes as a single
// atomic unit: the round's previous rows are replaced wholesale, and a
// failure anywhere rolls the whole batch back. A crash mid-write can
// therefore never leave a half-populated round behind.
func (s Store) SaveRoundResults(ctx context.Context, round Round, songs []Song) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = upsertRound(ctx, tx, round)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM votes WHERE round_id = ?`, round.ID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM songs WHERE round_id = ?`, round.ID)
	if err != nil {
		return err
	}

	for _, song := range songs {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO songs (
				round_id, league_id, title, artist, album, spotify_url,
				submitter, submitter_comment, total_votes_awarded,
				final_score, num_voters, song_order
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			round.ID, round.LeagueID, song.Title, song.Artist, song.Album,
			song.SpotifyURL, song.Submitter, song.SubmitterComment,
			song.TotalVotesAwarded, song.FinalScore, song.NumVoters, song.Order,
		)
		if err != nil {
			return err
		}
		songID, err := res.LastInsertId()
		if err != nil {
			return err
		}

		err = upsertVoter(ctx, tx, song.Submitter)
		if err != nil {
			return err
		}

		for _, vote := range song.Votes {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO votes (song_id, round_id, league_id, voter, points, comment)
				VALUES (?, ?, ?, ?, ?, ?)`,
				songID, round.ID, round.LeagueID, vote.Voter, vote.Points, vote.Comment,
			)
			if err != nil {
				return err
			}
			err = upsertVoter(ctx, tx, vote.Voter)
			if err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

var urlishRegex = regexp.MustCompile(`https?://|www\.|\.com`)

// handles that are really urls or stray comment fragments are not
// worth an actor row
func isLikelyHandle(name string) bool {
	if name == "" || name == "Unknown" || len(name) > 30 {
		return false
	}
	if urlishRegex.MatchString(name) {
		return false
	}
	first := []rune(name)[0]
	if !unicode.IsLetter(first) {
		return false
	}
	return len(strings.Fields(name)) <= 6
}

func upsertVoter(ctx context.Context, db execer, name string) error {
	if !isLikelyHandle(name) {
		slog.Debug("skipping implausible voter handle", "name", name)
		return nil
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO voters (handle, display_name) VALUES (?, ?)
		ON CONFLICT(handle) DO NOTHING`,
		name, name,
	)
	return err
}
