package discord

// Embed is the rich message body Discord renders. Only the fields the poll
// renderer needs are modeled.
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"` // ISO8601
	Image       *EmbedImage  `json:"image,omitempty"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type EmbedFooter struct {
	Text string `json:"text"`
}

type EmbedImage struct {
	URL string `json:"url"`
}

// User is a chat-platform identity as returned by the API.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	Bot      bool   `json:"bot"`
}

// Reaction is one emoji's aggregate on a message.
type Reaction struct {
	Count int   `json:"count"`
	Emoji Emoji `json:"emoji"`
}

// Emoji in reaction payloads: unicode emojis carry only Name; custom emojis
// carry Name and ID.
type Emoji struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// APIName returns the emoji in the form the reactions endpoints expect:
// the raw unicode character, or name:id for custom emojis.
func (e Emoji) APIName() string {
	if e.ID != "" {
		return e.Name + ":" + e.ID
	}
	return e.Name
}

// Message is a fetched channel message, trimmed to what the orchestrator
// inspects.
type Message struct {
	ID        string     `json:"id"`
	ChannelID string     `json:"channel_id"`
	Author    User       `json:"author"`
	Content   string     `json:"content"`
	Embeds    []Embed    `json:"embeds"`
	Reactions []Reaction `json:"reactions"`
}

// Role is a guild role, used for ping-role selection.
type Role struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Mentionable bool   `json:"mentionable"`
	Managed     bool   `json:"managed"`
	Position    int    `json:"position"`
}

// Guild and GuildChannel back the hierarchy cache refresh.
type Guild struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Icon    string `json:"icon"`
	OwnerID string `json:"owner_id"`
}

type GuildChannel struct {
	ID       string `json:"id"`
	GuildID  string `json:"guild_id"`
	Name     string `json:"name"`
	Type     int    `json:"type"`
	Position int    `json:"position"`
}

// ChannelTypeGuildText is the only channel type polls post into.
const ChannelTypeGuildText = 0

// ReactionEvent is a gateway MESSAGE_REACTION_ADD/REMOVE dispatch.
type ReactionEvent struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	GuildID   string `json:"guild_id"`
	Emoji     Emoji  `json:"emoji"`
}
