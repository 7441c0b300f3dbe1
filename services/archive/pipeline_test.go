package archive

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"leaguevault/lib/retry"
	"leaguevault/lib/scrapers/musicleague"
	"leaguevault/lib/telemetry"

	"github.com/stretchr/testify/require"
)

type siteVote struct {
	Voter  string
	Points int
}

type siteSong struct {
	Title  string
	Artist string
	Votes  []siteVote
}

type siteRound struct {
	ID    string
	Title string
	Songs []siteSong
}

type siteLeague struct {
	ID     string
	Title  string
	Rounds []siteRound
}

// fakeSite renders a static completed-leagues hierarchy and counts
// every request it serves, per path, so tests can assert which pages a
// run actually touched.
type fakeSite struct {
	server *httptest.Server

	mu      sync.Mutex
	hits    map[string]int
	failing map[string]bool
}

func newFakeSite(t *testing.T, leagues []siteLeague) *fakeSite {
	site := &fakeSite{
		hits:    map[string]int{},
		failing: map[string]bool{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/completed/", func(w http.ResponseWriter, r *http.Request) {
		var b strings.Builder
		b.WriteString("<html><body>")
		for _, league := range leagues {
			fmt.Fprintf(&b, `<a href="/l/%s/">%s</a>`, league.ID, league.Title)
		}
		b.WriteString("</body></html>")
		fmt.Fprint(w, b.String())
	})

	for _, league := range leagues {
		league := league
		mux.HandleFunc("/l/"+league.ID+"/", func(w http.ResponseWriter, r *http.Request) {
			var b strings.Builder
			b.WriteString("<html><body>")
			for i, round := range league.Rounds {
				fmt.Fprintf(&b, `<div class="card">
					<h5 class="card-title">ROUND %d %s</h5>
					<p class="card-text">A round description.</p>
					<a href="/l/%s/%s/"><span>RESULTS</span></a>
				</div>`, i+1, round.Title, league.ID, round.ID)
			}
			b.WriteString("</body></html>")
			fmt.Fprint(w, b.String())
		})

		for _, round := range league.Rounds {
			round := round
			mux.HandleFunc("/l/"+league.ID+"/"+round.ID+"/", func(w http.ResponseWriter, r *http.Request) {
				var b strings.Builder
				b.WriteString("<html><body>")
				for _, song := range round.Songs {
					fmt.Fprintf(&b, `<div class="card">
						<div class="rank-1"><div class="row">
							<div class="col text-truncate">Dana</div>
						</div></div>
						<a href="https://open.spotify.com/track/%s">%s</a>
						<p class="card-text">%s</p>
						<p>%d voters</p>
						<div class="card-footer show">`,
						strings.ReplaceAll(song.Title, " ", "-"), song.Title,
						song.Artist, len(song.Votes))
					for _, vote := range song.Votes {
						fmt.Fprintf(&b, `<div class="row">
							<b class="d-block text-truncate text-body">%s</b>
							<h6 class="m-0">%d</h6>
						</div>`, vote.Voter, vote.Points)
					}
					b.WriteString("</div></div>")
				}
				b.WriteString("</body></html>")
				fmt.Fprint(w, b.String())
			})
		}
	}

	site.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		site.mu.Lock()
		site.hits[r.URL.Path]++
		fail := site.failing[r.URL.Path]
		site.mu.Unlock()

		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(site.server.Close)
	return site
}

func (s *fakeSite) requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.hits {
		total += n
	}
	return total
}

func (s *fakeSite) pathHits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *fakeSite) resetHits() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits = map[string]int{}
}

func (s *fakeSite) failPath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[path] = true
}

const (
	siteLeagueA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	siteLeagueB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	siteRound1  = "11111111111111111111111111111111"
	siteRound2  = "22222222222222222222222222222222"
	siteRound3  = "33333333333333333333333333333333"
	siteRound4  = "44444444444444444444444444444444"
)

func threeSongs() []siteSong {
	votes := []siteVote{{Voter: "Alice", Points: 3}, {Voter: "Bob", Points: 2}}
	return []siteSong{
		{Title: "First Song", Artist: "Artist One", Votes: votes},
		{Title: "Second Song", Artist: "Artist Two", Votes: votes},
		{Title: "Third Song", Artist: "Artist Three", Votes: votes},
	}
}

func twoLeagueSite(t *testing.T) *fakeSite {
	return newFakeSite(t, []siteLeague{
		{ID: siteLeagueA, Title: "Indie Winter 2024", Rounds: []siteRound{
			{ID: siteRound1, Title: "Guilty Pleasures", Songs: threeSongs()},
			{ID: siteRound2, Title: "One Hit Wonders", Songs: threeSongs()},
		}},
		{ID: siteLeagueB, Title: "Summer Bangers", Rounds: []siteRound{
			{ID: siteRound3, Title: "Covers", Songs: threeSongs()},
			{ID: siteRound4, Title: "Debuts", Songs: threeSongs()},
		}},
	})
}

func newTestPipeline(t *testing.T, site *fakeSite, database *sql.DB, opts Options) Pipeline {
	client, err := musicleague.NewClient(context.Background(), musicleague.ClientOptions{
		BaseUrl: site.server.URL,
	})
	require.NoError(t, err)

	opts.MaxCycles = 3
	opts.SettleWait = time.Millisecond
	opts.Retry = retry.Controller{
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
		BackoffCap:  time.Millisecond * 2,
	}
	return NewPipeline(client, database, opts)
}

func TestPipelineFullExtraction(t *testing.T) {
	cleanup := telemetry.SetupForTesting("test:archive")
	defer cleanup()

	site := twoLeagueSite(t)
	database := newTestDB(t)
	pipeline := newTestPipeline(t, site, database, Options{})

	summary, err := pipeline.Run(context.Background())
	require.NoError(t, err)
	require.True(t, summary.Clean())
	require.Equal(t, 2, summary.Leagues)
	require.Equal(t, 4, summary.Rounds)
	require.Equal(t, 12, summary.Songs)
	require.Equal(t, 24, summary.Votes)

	require.Equal(t, 2, countRows(t, database, "leagues"))
	require.Equal(t, 4, countRows(t, database, "rounds"))
	require.Equal(t, 12, countRows(t, database, "songs"))
	require.Equal(t, 24, countRows(t, database, "votes"))

	var title string
	err = database.QueryRow(`
		SELECT title FROM rounds WHERE id = ?`, siteRound2,
	).Scan(&title)
	require.NoError(t, err)
	require.Equal(t, "One Hit Wonders", title)

	status, err := NewCheckpoints(database).Status(context.Background(), RootKey, "")
	require.NoError(t, err)
	require.Equal(t, StatusComplete, status)
}

func TestPipelineSecondRunMakesNoRequests(t *testing.T) {
	site := twoLeagueSite(t)
	database := newTestDB(t)
	pipeline := newTestPipeline(t, site, database, Options{})

	_, err := pipeline.Run(context.Background())
	require.NoError(t, err)

	site.resetHits()
	summary, err := pipeline.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, site.requests())
	require.Zero(t, summary.Leagues)
	require.Equal(t, 24, countRows(t, database, "votes"))
}

func TestPipelineSkipsCompletedLeagues(t *testing.T) {
	site := twoLeagueSite(t)
	database := newTestDB(t)
	pipeline := newTestPipeline(t, site, database, Options{})
	ctx := context.Background()

	// a previous run finished league A but crashed before the listing
	// checkpoint, so the listing is revisited and only B is extracted
	checkpoints := NewCheckpoints(database)
	require.NoError(t, checkpoints.MarkComplete(ctx, siteLeagueA, ""))
	require.NoError(t, checkpoints.MarkComplete(ctx, siteLeagueA, siteRound1))
	require.NoError(t, checkpoints.MarkComplete(ctx, siteLeagueA, siteRound2))

	summary, err := pipeline.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Leagues)
	require.Equal(t, 2, summary.Rounds)
	require.Zero(t, site.pathHits("/l/"+siteLeagueA+"/"))
	require.Positive(t, site.pathHits("/l/"+siteLeagueB+"/"))
}

func TestPipelineResumesCrashedUnits(t *testing.T) {
	site := twoLeagueSite(t)
	database := newTestDB(t)
	pipeline := newTestPipeline(t, site, database, Options{})
	ctx := context.Background()

	// a crashed run left league B mid-flight with nothing committed
	checkpoints := NewCheckpoints(database)
	require.NoError(t, checkpoints.MarkInProgress(ctx, siteLeagueB, ""))
	require.NoError(t, checkpoints.MarkInProgress(ctx, siteLeagueB, siteRound3))

	summary, err := pipeline.Run(ctx)
	require.NoError(t, err)
	require.True(t, summary.Clean())
	require.Equal(t, 2, summary.Leagues)
	require.Equal(t, 4, summary.Rounds)
	require.Equal(t, 24, countRows(t, database, "votes"))

	status, err := checkpoints.Status(ctx, siteLeagueB, siteRound3)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, status)
}

func TestPipelineRoundFailureIsolation(t *testing.T) {
	site := twoLeagueSite(t)
	site.failPath("/l/" + siteLeagueA + "/" + siteRound1 + "/")
	database := newTestDB(t)
	pipeline := newTestPipeline(t, site, database, Options{})
	ctx := context.Background()

	summary, err := pipeline.Run(ctx)
	require.NoError(t, err)
	require.False(t, summary.Clean())
	require.Equal(t, 1, summary.FailedRounds)
	require.Zero(t, summary.FailedLeagues)
	require.Equal(t, 3, summary.Rounds)
	// only the failed round's songs are missing
	require.Equal(t, 9, countRows(t, database, "songs"))

	checkpoints := NewCheckpoints(database)
	status, err := checkpoints.Status(ctx, siteLeagueA, siteRound1)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, status)

	// the failing round was retried before giving up
	require.Equal(t, 2, site.pathHits("/l/"+siteLeagueA+"/"+siteRound1+"/"))

	// lenient mode still completes the league; the listing checkpoint
	// stays open so the next run retries the failed round
	status, err = checkpoints.Status(ctx, siteLeagueA, "")
	require.NoError(t, err)
	require.Equal(t, StatusComplete, status)
	status, err = checkpoints.Status(ctx, RootKey, "")
	require.NoError(t, err)
	require.NotEqual(t, StatusComplete, status)
}

func TestPipelineStrictFailsLeague(t *testing.T) {
	site := twoLeagueSite(t)
	site.failPath("/l/" + siteLeagueA + "/" + siteRound1 + "/")
	database := newTestDB(t)
	pipeline := newTestPipeline(t, site, database, Options{Strict: true})
	ctx := context.Background()

	summary, err := pipeline.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.FailedLeagues)
	require.Equal(t, 1, summary.FailedRounds)

	status, err := NewCheckpoints(database).Status(ctx, siteLeagueA, "")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, status)
}

func TestPipelineFailedRoundRecoversNextRun(t *testing.T) {
	site := twoLeagueSite(t)
	failingPath := "/l/" + siteLeagueA + "/" + siteRound1 + "/"
	site.failPath(failingPath)
	database := newTestDB(t)
	// strict keeps the league open so the failed round is retried
	pipeline := newTestPipeline(t, site, database, Options{Strict: true})
	ctx := context.Background()

	_, err := pipeline.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 9, countRows(t, database, "songs"))

	// the remote end recovers
	site.mu.Lock()
	site.failing = map[string]bool{}
	site.mu.Unlock()
	site.resetHits()

	summary, err := pipeline.Run(ctx)
	require.NoError(t, err)
	require.True(t, summary.Clean())
	require.Equal(t, 1, summary.Rounds)
	require.Equal(t, 12, countRows(t, database, "songs"))
	// completed rounds are not refetched
	require.Zero(t, site.pathHits("/l/"+siteLeagueA+"/"+siteRound2+"/"))
}

func TestPipelineNameFilter(t *testing.T) {
	site := twoLeagueSite(t)
	database := newTestDB(t)
	pipeline := newTestPipeline(t, site, database, Options{NameFilter: "winter"})
	ctx := context.Background()

	summary, err := pipeline.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Leagues)
	require.Equal(t, 1, summary.SkippedLeagues)
	require.Equal(t, 1, countRows(t, database, "leagues"))
	require.Zero(t, site.pathHits("/l/"+siteLeagueB+"/"))

	// a skipped league leaves no checkpoint behind
	var n int
	err = database.QueryRow(`
		SELECT COUNT(*) FROM checkpoints WHERE league_id = ?`, siteLeagueB,
	).Scan(&n)
	require.NoError(t, err)
	require.Zero(t, n)

	// and the listing stays open so an unfiltered run picks it up
	status, err := NewCheckpoints(database).Status(ctx, RootKey, "")
	require.NoError(t, err)
	require.NotEqual(t, StatusComplete, status)
}

func TestPipelineFatalListingFailure(t *testing.T) {
	site := twoLeagueSite(t)
	site.failPath("/completed/")
	database := newTestDB(t)
	pipeline := newTestPipeline(t, site, database, Options{})

	_, err := pipeline.Run(context.Background())
	require.Error(t, err)
	require.Zero(t, countRows(t, database, "leagues"))
}
