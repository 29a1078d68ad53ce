package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pacnpal/polly-sub001/orchestrator/auth"
	"github.com/pacnpal/polly-sub001/orchestrator/cache"
	"github.com/pacnpal/polly-sub001/orchestrator/discord"
	"github.com/pacnpal/polly-sub001/orchestrator/middleware"
	"github.com/pacnpal/polly-sub001/orchestrator/observability"
	"github.com/pacnpal/polly-sub001/orchestrator/store"
	"github.com/pacnpal/polly-sub001/orchestrator/timeutil"
	"github.com/pacnpal/polly-sub001/orchestrator/tokens"
)

const dashboardCacheTTL = 30 * time.Second

// APIServer is the web boundary: the dashboard JSON API, the OAuth login
// flow and the static archive pages.
type APIServer struct {
	cfg       *Config
	store     store.Store
	cache     cache.Cache
	lifecycle *Lifecycle
	archiver  *Archiver
	hierarchy *HierarchyRefresher
	tokens    *tokens.Service
	signer    *auth.Signer
	oauth     OAuthExchanger
}

func NewAPIServer(cfg *Config, st store.Store, c cache.Cache, lifecycle *Lifecycle, archiver *Archiver, hierarchy *HierarchyRefresher, tok *tokens.Service, signer *auth.Signer, oauth OAuthExchanger) *APIServer {
	return &APIServer{
		cfg: cfg, store: st, cache: c, lifecycle: lifecycle, archiver: archiver,
		hierarchy: hierarchy, tokens: tok, signer: signer, oauth: oauth,
	}
}

// Routes registers every handler on mux.
func (a *APIServer) Routes(mux *http.ServeMux) {
	cors := middleware.CORS(a.cfg.AllowOrigin)
	session := middleware.Session(a.signer)

	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /auth/login", a.handleLogin)
	mux.HandleFunc("GET /auth/callback", a.handleCallback)
	mux.HandleFunc("GET /poll/{id}/static", a.handleStaticArchive)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/polls", a.handleListPolls)
	api.HandleFunc("POST /api/polls", a.handleCreatePoll)
	api.HandleFunc("GET /api/polls/{id}", a.handleGetPoll)
	api.HandleFunc("DELETE /api/polls/{id}", a.handleDeletePoll)
	api.HandleFunc("POST /api/polls/{id}/open", a.handleOpenPoll)
	api.HandleFunc("POST /api/polls/{id}/close", a.handleClosePoll)
	api.HandleFunc("POST /api/polls/{id}/reopen", a.handleReopenPoll)
	api.HandleFunc("POST /api/polls/{id}/token", a.handleIssueToken)
	api.HandleFunc("GET /api/preferences", a.handleGetPreferences)
	api.HandleFunc("POST /api/preferences", a.handleSavePreferences)
	api.HandleFunc("GET /api/guilds", a.handleListGuilds)
	api.HandleFunc("GET /api/guilds/{id}/channels", a.handleListChannels)
	api.HandleFunc("GET /api/guilds/{id}/roles", a.handleListRoles)

	mux.Handle("/api/", cors(session(api)))
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func countRequest(endpoint string, status int) {
	observability.APIRequests.WithLabelValues(endpoint, fmt.Sprintf("%dxx", status/100)).Inc()
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

// --- health ---

func (a *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- auth ---

func (a *APIServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	state := randomState()
	http.SetCookie(w, &http.Cookie{
		Name: "polly_oauth_state", Value: state, Path: "/",
		MaxAge: 600, HttpOnly: true, SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, a.oauth.AuthorizeURL(state), http.StatusFound)
}

func (a *APIServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	stateCookie, err := r.Cookie("polly_oauth_state")
	if err != nil || stateCookie.Value == "" || stateCookie.Value != r.URL.Query().Get("state") {
		writeError(w, http.StatusBadRequest, "state mismatch")
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing code")
		return
	}

	accessToken, err := a.oauth.Exchange(r.Context(), code)
	if err != nil {
		logrus.WithError(err).Warn("oauth exchange failed")
		writeError(w, http.StatusBadGateway, "authentication failed")
		return
	}
	identity, err := a.oauth.Identity(r.Context(), accessToken)
	if err != nil {
		logrus.WithError(err).Warn("oauth identity fetch failed")
		writeError(w, http.StatusBadGateway, "authentication failed")
		return
	}

	if err := a.store.UpsertUser(r.Context(), &store.User{
		ID: identity.ID, Username: identity.Username, Avatar: identity.Avatar,
	}); err != nil {
		logrus.WithError(err).Warn("user upsert failed")
	}

	session, err := a.signer.Generate(identity.ID, identity.Username, identity.Avatar, identity.ID == a.cfg.OwnerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session creation failed")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name: "polly_session", Value: session, Path: "/",
		MaxAge: 86400, HttpOnly: true, SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusFound)
}

func randomState() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// --- polls ---

type pollSummary struct {
	*store.Poll
	TotalVotes int `json:"total_votes"`
}

func (a *APIServer) handleListPolls(w http.ResponseWriter, r *http.Request) {
	guildID := r.URL.Query().Get("guild_id")
	if guildID == "" {
		writeError(w, http.StatusBadRequest, "guild_id is required")
		countRequest("list_polls", 400)
		return
	}

	key := cache.DashboardKey(guildID)
	var cached []pollSummary
	if ok, _ := a.cache.GetJSON(r.Context(), key, &cached); ok {
		writeJSON(w, http.StatusOK, cached)
		countRequest("list_polls", 200)
		return
	}

	polls, err := a.store.ListPollsByGuild(r.Context(), guildID, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing polls failed")
		countRequest("list_polls", 500)
		return
	}
	summaries := make([]pollSummary, 0, len(polls))
	for _, p := range polls {
		counts, _ := a.store.CountVotesByOption(r.Context(), p.ID)
		total := 0
		for _, c := range counts {
			total += c
		}
		summaries = append(summaries, pollSummary{Poll: p, TotalVotes: total})
	}
	_ = a.cache.SetJSON(r.Context(), key, summaries, dashboardCacheTTL)
	writeJSON(w, http.StatusOK, summaries)
	countRequest("list_polls", 200)
}

// createPollRequest is the dashboard form payload. Times are wall-clock
// strings interpreted in Timezone.
type createPollRequest struct {
	Name            string   `json:"name"`
	Question        string   `json:"question"`
	Options         []string `json:"options"`
	Emojis          []string `json:"emojis"`
	ServerID        string   `json:"server_id"`
	ServerName      string   `json:"server_name"`
	ChannelID       string   `json:"channel_id"`
	ChannelName     string   `json:"channel_name"`
	OpenTime        string   `json:"open_time"`
	CloseTime       string   `json:"close_time"`
	Timezone        string   `json:"timezone"`
	Anonymous       bool     `json:"anonymous"`
	MultipleChoice  bool     `json:"multiple_choice"`
	MaxChoices      int      `json:"max_choices"`
	OpenImmediately bool     `json:"open_immediately"`
	ImagePath       string   `json:"image_path"`
	ImageText       string   `json:"image_message_text"`
	PingRoleEnabled bool     `json:"ping_role_enabled"`
	PingRoleID      string   `json:"ping_role_id"`
	PingRoleName    string   `json:"ping_role_name"`
	PingRoleOnOpen  bool     `json:"ping_role_on_open"`
	PingRoleOnClose bool     `json:"ping_role_on_close"`
}

func (a *APIServer) handleCreatePoll(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	var req createPollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		countRequest("create_poll", 400)
		return
	}

	zone := timeutil.NormalizeZone(req.Timezone)
	openTime, err := timeutil.ParseWallClock(req.OpenTime, zone)
	if err != nil && !req.OpenImmediately {
		writeError(w, http.StatusBadRequest, "invalid open time: "+err.Error())
		countRequest("create_poll", 400)
		return
	}
	if req.OpenImmediately {
		openTime = nowUTC()
	}
	closeTime, err := timeutil.ParseWallClock(req.CloseTime, zone)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid close time: "+err.Error())
		countRequest("create_poll", 400)
		return
	}
	if err := timeutil.ValidateScheduled(openTime, closeTime, req.OpenImmediately); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		countRequest("create_poll", 400)
		return
	}

	// Options without an explicit emoji get the lettered defaults.
	emojis := make([]string, len(req.Options))
	for i := range req.Options {
		if i < len(req.Emojis) && req.Emojis[i] != "" {
			emojis[i] = req.Emojis[i]
		} else if i < len(discord.LetteredEmojis) {
			emojis[i] = discord.LetteredEmojis[i]
		}
	}

	poll := &store.Poll{
		Name:            req.Name,
		Question:        req.Question,
		Options:         req.Options,
		Emojis:          emojis,
		ImagePath:       req.ImagePath,
		ImageText:       req.ImageText,
		ServerID:        req.ServerID,
		ServerName:      req.ServerName,
		ChannelID:       req.ChannelID,
		ChannelName:     req.ChannelName,
		CreatorID:       claims.UserID,
		OpenTime:        openTime,
		CloseTime:       closeTime,
		Timezone:        zone,
		Anonymous:       req.Anonymous,
		MultipleChoice:  req.MultipleChoice,
		MaxChoices:      req.MaxChoices,
		OpenImmediately: req.OpenImmediately,
		PingRoleEnabled: req.PingRoleEnabled,
		PingRoleID:      req.PingRoleID,
		PingRoleName:    req.PingRoleName,
		PingRoleOnOpen:  req.PingRoleOnOpen,
		PingRoleOnClose: req.PingRoleOnClose,
	}
	if err := a.store.CreatePoll(r.Context(), poll); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		countRequest("create_poll", 400)
		return
	}

	// Remember the creator's last-used targets for the next form load.
	pref := &store.UserPreference{
		UserID:          claims.UserID,
		LastServerID:    req.ServerID,
		LastChannelID:   req.ChannelID,
		LastRoleID:      req.PingRoleID,
		DefaultTimezone: zone,
		TimezoneSet:     req.Timezone != "",
	}
	if err := a.store.SavePreference(r.Context(), pref); err != nil {
		logrus.WithError(err).Debug("saving creation preferences failed")
	}

	if req.OpenImmediately {
		result := a.lifecycle.Open(r.Context(), poll.ID, ReasonImmediate)
		if !result.Success {
			// The poll stays scheduled; the dashboard surfaces the failure
			// and recovery retries it.
			writeJSON(w, http.StatusAccepted, map[string]any{"poll": poll, "open_error": result.Error})
			countRequest("create_poll", 202)
			return
		}
	} else {
		a.lifecycle.ScheduleUpcoming(poll)
	}
	_ = a.cache.Delete(r.Context(), cache.DashboardKey(poll.ServerID))

	writeJSON(w, http.StatusCreated, poll)
	countRequest("create_poll", 201)
}

func (a *APIServer) handleGetPoll(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid poll id")
		return
	}
	poll, err := a.store.GetPoll(r.Context(), id)
	if errors.Is(err, store.ErrPollNotFound) {
		writeError(w, http.StatusNotFound, "poll not found")
		countRequest("get_poll", 404)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading poll failed")
		countRequest("get_poll", 500)
		return
	}

	counts, _ := a.store.CountVotesByOption(r.Context(), id)
	voters, _ := a.store.CountUniqueVoters(r.Context(), id)
	detail := map[string]any{
		"poll":          poll,
		"counts":        counts,
		"unique_voters": voters,
	}
	if !poll.Anonymous {
		votes, err := a.store.ListVotes(r.Context(), id)
		if err == nil {
			detail["votes"] = votes
		}
	}
	writeJSON(w, http.StatusOK, detail)
	countRequest("get_poll", 200)
}

func (a *APIServer) handleDeletePoll(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid poll id")
		return
	}
	poll, err := a.store.GetPoll(r.Context(), id)
	if errors.Is(err, store.ErrPollNotFound) {
		writeError(w, http.StatusNotFound, "poll not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading poll failed")
		return
	}
	if err := poll.CanDelete(); err != nil {
		writeError(w, http.StatusConflict, "close the poll before deleting it")
		return
	}
	if err := a.store.DeletePoll(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "deletion failed")
		return
	}
	a.lifecycle.sched.CancelPoll(id)
	if poll.MessageID != "" {
		_ = a.lifecycle.chat.DeleteMessage(r.Context(), poll.ChannelID, poll.MessageID)
	}
	if poll.ImageMsgID != "" {
		_ = a.lifecycle.chat.DeleteMessage(r.Context(), poll.ChannelID, poll.ImageMsgID)
	}
	a.lifecycle.invalidate(r.Context(), poll)
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
	countRequest("delete_poll", 200)
}

func (a *APIServer) handleOpenPoll(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid poll id")
		return
	}
	result := a.lifecycle.Open(r.Context(), id, ReasonManual)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
	countRequest("open_poll", status)
}

func (a *APIServer) handleClosePoll(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid poll id")
		return
	}
	result := a.lifecycle.Close(r.Context(), id, "manual")
	status := http.StatusOK
	if !result.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
	countRequest("close_poll", status)
}

func (a *APIServer) handleReopenPoll(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid poll id")
		return
	}
	var req struct {
		ExtendMinutes int  `json:"extend_minutes"`
		ResetVotes    bool `json:"reset_votes"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	result := a.lifecycle.Reopen(r.Context(), id, req.ExtendMinutes, req.ResetVotes)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
	countRequest("reopen_poll", status)
}

// handleIssueToken mints a screenshot token for a closed poll the caller
// created (or the owner).
func (a *APIServer) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid poll id")
		return
	}
	poll, err := a.store.GetPoll(r.Context(), id)
	if errors.Is(err, store.ErrPollNotFound) {
		writeError(w, http.StatusNotFound, "poll not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading poll failed")
		return
	}
	if poll.CreatorID != claims.UserID && !claims.Owner {
		writeError(w, http.StatusForbidden, "only the poll creator can request tokens")
		return
	}
	token, err := a.tokens.Issue(r.Context(), poll.ID, claims.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token issuance failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
	countRequest("issue_token", 200)
}

// --- preferences ---

func (a *APIServer) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	pref, err := a.store.GetPreference(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading preferences failed")
		return
	}
	if pref == nil {
		pref = &store.UserPreference{UserID: claims.UserID, DefaultTimezone: "UTC"}
	}
	writeJSON(w, http.StatusOK, pref)
	countRequest("get_preferences", 200)
}

func (a *APIServer) handleSavePreferences(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	var pref store.UserPreference
	if err := json.NewDecoder(r.Body).Decode(&pref); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pref.UserID = claims.UserID
	pref.DefaultTimezone = timeutil.NormalizeZone(pref.DefaultTimezone)
	if err := a.store.SavePreference(r.Context(), &pref); err != nil {
		writeError(w, http.StatusInternalServerError, "saving preferences failed")
		return
	}
	writeJSON(w, http.StatusOK, pref)
	countRequest("save_preferences", 200)
}

// --- hierarchy ---

func (a *APIServer) handleListGuilds(w http.ResponseWriter, r *http.Request) {
	guilds, err := a.store.ListGuilds(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing guilds failed")
		return
	}
	writeJSON(w, http.StatusOK, guilds)
	countRequest("list_guilds", 200)
}

func (a *APIServer) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := a.store.ListChannels(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing channels failed")
		return
	}
	writeJSON(w, http.StatusOK, channels)
	countRequest("list_channels", 200)
}

func (a *APIServer) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.hierarchy.PingableRoles(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadGateway, "listing roles failed")
		return
	}
	writeJSON(w, http.StatusOK, roles)
	countRequest("list_roles", 200)
}

// --- static archives ---

// handleStaticArchive serves the pre-generated snapshot when it exists, and
// regenerates on demand when it doesn't. Closed polls only; the page is
// immutable so clients may cache it for a day.
func (a *APIServer) handleStaticArchive(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid poll id", http.StatusBadRequest)
		return
	}

	// A screenshot token substitutes for a session on this endpoint.
	if token := r.URL.Query().Get("token"); token != "" {
		if _, err := a.tokens.Redeem(r.Context(), token, id); err != nil {
			http.Error(w, "invalid token", http.StatusForbidden)
			countRequest("static_archive", 403)
			return
		}
	}

	if a.archiver.Exists(id) {
		w.Header().Set("Cache-Control", "public, max-age=86400")
		http.ServeFile(w, r, a.archiver.Path(id))
		countRequest("static_archive", 200)
		return
	}

	html, err := a.archiver.Render(r.Context(), id)
	if err != nil {
		http.Error(w, "archive unavailable", http.StatusNotFound)
		countRequest("static_archive", 404)
		return
	}
	// Persist for the next request.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.archiver.GenerateSync(ctx, id); err != nil {
			logrus.WithError(err).WithField("poll_id", id).Debug("on-demand archive persist failed")
		} else {
			observability.ArchivesWritten.WithLabelValues("on_demand").Inc()
		}
	}()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = w.Write(html)
	countRequest("static_archive", 200)
}
