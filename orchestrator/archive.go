package main

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/pacnpal/polly-sub001/orchestrator/discord"
	"github.com/pacnpal/polly-sub001/orchestrator/observability"
	"github.com/pacnpal/polly-sub001/orchestrator/store"
)

// archiveTemplate is the HTML snapshot of a closed poll's final state.
var archiveTemplate = template.Must(template.New("archive").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Poll.Name}} — Poll Results</title>
<style>
body { font-family: sans-serif; max-width: 720px; margin: 2rem auto; padding: 0 1rem; color: #222; }
h1 { margin-bottom: 0.2rem; }
.question { font-size: 1.1rem; color: #444; margin-bottom: 1.5rem; }
.option { margin: 0.8rem 0; }
.bar { background: #eee; border-radius: 4px; height: 18px; overflow: hidden; }
.fill { background: #3498db; height: 100%; }
.winner .fill { background: #9b59b6; }
.meta { color: #777; font-size: 0.9rem; margin-top: 2rem; }
.voters { margin-top: 1.5rem; }
.emoji { height: 1.1em; vertical-align: -0.15em; }
</style>
</head>
<body>
<h1>🏁 {{.Poll.Name}}</h1>
<div class="question">{{.Poll.Question}}</div>
{{range .Options}}
<div class="option{{if .Winner}} winner{{end}}">
  <div>{{if .Winner}}👑 {{end}}{{if .EmojiURL}}<img class="emoji" src="{{.EmojiURL}}" alt="{{.Emoji}}"> {{else}}{{.Emoji}} {{end}}<strong>{{.Name}}</strong> {{.Count}} {{.VoteWord}} ({{printf "%.1f" .Percent}}%)</div>
  <div class="bar"><div class="fill" style="width: {{printf "%.1f" .Percent}}%"></div></div>
</div>
{{end}}
<div class="meta">
  <div>Total votes: {{.TotalVotes}}</div>
  <div>Unique voters: {{.UniqueVoters}}</div>
  <div>Closed: {{.ClosedAt}}</div>
</div>
{{if .Voters}}
<div class="voters">
  <h2>Voters</h2>
  <ul>
  {{range .Voters}}<li>{{.Name}} — {{.Option}}</li>
  {{end}}</ul>
</div>
{{end}}
</body>
</html>
`))

type archiveOption struct {
	Emoji    string
	EmojiURL string
	Name     string
	Count    int
	Percent  float64
	VoteWord string
	Winner   bool
}

type archiveVoter struct {
	Name   string
	Option string
}

type archiveData struct {
	Poll         *store.Poll
	Options      []archiveOption
	TotalVotes   int
	UniqueVoters int
	ClosedAt     string
	Voters       []archiveVoter
}

type archiveJob struct {
	pollID  int64
	trigger string
}

// Archiver renders closed polls to static HTML under
// <staticDir>/polls/poll_<id>_details.html. Rendering can block on disk, so
// background generation runs on a small worker pool; the dynamic fallback
// path renders inline.
type Archiver struct {
	store     store.Store
	staticDir string
	jobs      chan archiveJob
}

const archiveWorkers = 2

func NewArchiver(st store.Store, staticDir string) *Archiver {
	return &Archiver{
		store:     st,
		staticDir: staticDir,
		jobs:      make(chan archiveJob, 64),
	}
}

// Start launches the worker pool.
func (a *Archiver) Start(ctx context.Context) {
	for i := 0; i < archiveWorkers; i++ {
		go a.worker(ctx)
	}
}

func (a *Archiver) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-a.jobs:
			if err := a.GenerateSync(ctx, job.pollID); err != nil {
				logrus.WithError(err).WithField("poll_id", job.pollID).Warn("archive generation failed")
			} else {
				observability.ArchivesWritten.WithLabelValues(job.trigger).Inc()
			}
		}
	}
}

// Generate enqueues background generation. A full queue drops the job with a
// log line; the dynamic fallback covers any poll whose file never lands.
func (a *Archiver) Generate(pollID int64, trigger string) {
	select {
	case a.jobs <- archiveJob{pollID: pollID, trigger: trigger}:
	default:
		logrus.WithField("poll_id", pollID).Warn("archive queue full, dropping job")
	}
}

// Path returns the on-disk location of a poll's archive.
func (a *Archiver) Path(pollID int64) string {
	return filepath.Join(a.staticDir, "polls", fmt.Sprintf("poll_%d_details.html", pollID))
}

// Exists reports whether the archive file is present.
func (a *Archiver) Exists(pollID int64) bool {
	_, err := os.Stat(a.Path(pollID))
	return err == nil
}

// GenerateSync renders and writes the archive inline. Only closed polls are
// archivable.
func (a *Archiver) GenerateSync(ctx context.Context, pollID int64) error {
	html, err := a.Render(ctx, pollID)
	if err != nil {
		return err
	}
	path := a.Path(pollID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// Write-then-rename so a crashed render never leaves a torn file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, html, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Render produces the archive HTML without touching disk, shared by the
// file writer and the dynamic fallback handler.
func (a *Archiver) Render(ctx context.Context, pollID int64) ([]byte, error) {
	poll, err := a.store.GetPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	if poll.Status != store.StatusClosed {
		return nil, fmt.Errorf("poll %d is %s, only closed polls are archived", pollID, poll.Status)
	}

	counts, err := a.store.CountVotesByOption(ctx, pollID)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, c := range counts {
		total += c
	}
	voters, err := a.store.CountUniqueVoters(ctx, pollID)
	if err != nil {
		return nil, err
	}

	winners := map[int]bool{}
	for _, i := range winnerIndices(counts, len(poll.Options)) {
		winners[i] = true
	}

	data := archiveData{
		Poll:         poll,
		TotalVotes:   total,
		UniqueVoters: voters,
		ClosedAt:     poll.ClosedAt.UTC().Format("Jan 02, 2006 15:04 MST"),
	}
	for i, name := range poll.Options {
		count := counts[i]
		percent := 0.0
		if total > 0 {
			percent = float64(count) / float64(total) * 100
		}
		word := "votes"
		if count == 1 {
			word = "vote"
		}
		opt := archiveOption{
			Emoji:    displayEmoji(poll, i),
			Name:     name,
			Count:    count,
			Percent:  percent,
			VoteWord: word,
			Winner:   winners[i],
		}
		// Custom tokens only render inside Discord; the snapshot uses the
		// CDN image instead.
		if emojiName, id, ok := discord.ParseCustomEmoji(opt.Emoji); ok {
			opt.Emoji = ":" + emojiName + ":"
			opt.EmojiURL = "https://cdn.discordapp.com/emojis/" + id + ".png"
		}
		data.Options = append(data.Options, opt)
	}

	if !poll.Anonymous {
		votes, err := a.store.ListVotes(ctx, pollID)
		if err != nil {
			return nil, err
		}
		for _, v := range votes {
			name := v.UserID
			if u, err := a.store.GetUser(ctx, v.UserID); err == nil && u != nil && u.Username != "" {
				name = u.Username
			}
			option := ""
			if v.OptionIndex >= 0 && v.OptionIndex < len(poll.Options) {
				option = poll.Options[v.OptionIndex]
			}
			data.Voters = append(data.Voters, archiveVoter{Name: name, Option: option})
		}
	}

	var buf bytes.Buffer
	if err := archiveTemplate.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Backfill generates archives for the newest closed polls that lack one,
// capped so startup recovery stays bounded.
func (a *Archiver) Backfill(ctx context.Context, limit int) int {
	polls, err := a.store.ListClosedPollsNewestFirst(ctx, limit)
	if err != nil {
		logrus.WithError(err).Warn("archive backfill listing failed")
		return 0
	}
	generated := 0
	for _, p := range polls {
		if ctx.Err() != nil {
			return generated
		}
		if a.Exists(p.ID) {
			continue
		}
		if err := a.GenerateSync(ctx, p.ID); err != nil {
			logrus.WithError(err).WithField("poll_id", p.ID).Warn("archive backfill failed")
			continue
		}
		observability.ArchivesWritten.WithLabelValues("backfill").Inc()
		generated++
	}
	return generated
}
