package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/parleyhq/parley/internal/media"
)

// MediaControlTool drives the user's connected playback backend. When
// nothing is connected it reports that rather than failing the call.
type MediaControlTool struct {
	builtin
	players *media.Registry
}

// MediaControlInput is the argument shape for media_control.
type MediaControlInput struct {
	Action string `json:"action"`
	Query  string `json:"query,omitempty"`
	Level  int    `json:"level,omitempty"`
	On     bool   `json:"on,omitempty"`
}

func NewMediaControlTool(players *media.Registry) *MediaControlTool {
	return &MediaControlTool{players: players}
}

func (t *MediaControlTool) Name() string { return "media_control" }

func (t *MediaControlTool) Description() string {
	return "Control media playback: play, pause, next, previous, status, volume, shuffle."
}

func (t *MediaControlTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {
				"type": "string",
				"enum": ["play", "pause", "next", "previous", "status", "volume", "shuffle"],
				"description": "Playback action to perform"
			},
			"query": {
				"type": "string",
				"description": "Track, album, or artist to play (play action only)"
			},
			"level": {
				"type": "integer",
				"description": "Volume level 0-100 (volume action only)"
			},
			"on": {
				"type": "boolean",
				"description": "Shuffle on or off (shuffle action only)"
			}
		},
		"required": ["action"]
	}`)
}

func (t *MediaControlTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in MediaControlInput
	if err := json.Unmarshal(input, &in); err != nil {
		return &ToolResult{Content: fmt.Sprintf("invalid media_control input: %v", err), IsError: true}, nil
	}

	player := t.players.For(ScopeFrom(ctx).UserID)

	var (
		out string
		err error
	)

	switch strings.ToLower(in.Action) {
	case "play":
		out, err = player.Play(ctx, in.Query)
	case "pause":
		out, err = player.Pause(ctx)
	case "next":
		out, err = player.Next(ctx)
	case "previous":
		out, err = player.Previous(ctx)
	case "status":
		var st media.Status
		st, err = player.Status(ctx)
		if err == nil {
			out = formatMediaStatus(st)
		}
	case "volume":
		if in.Level < 0 || in.Level > 100 {
			return &ToolResult{Content: "Volume level must be between 0 and 100.", IsError: true}, nil
		}
		out, err = player.SetVolume(ctx, in.Level)
	case "shuffle":
		out, err = player.SetShuffle(ctx, in.On)
	default:
		return &ToolResult{Content: fmt.Sprintf("Unknown media action: %s", in.Action), IsError: true}, nil
	}

	if errors.Is(err, media.ErrUnavailable) {
		return &ToolResult{Content: "No media player is connected."}, nil
	}
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("Media control failed: %v", err), IsError: true}, nil
	}
	if out == "" {
		out = "Done."
	}
	return &ToolResult{Content: out}, nil
}

func formatMediaStatus(st media.Status) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "State: %s", st.State)
	if st.Track != "" {
		fmt.Fprintf(&sb, "\nTrack: %s", st.Track)
	}
	if st.Artist != "" {
		fmt.Fprintf(&sb, "\nArtist: %s", st.Artist)
	}
	fmt.Fprintf(&sb, "\nVolume: %d", st.Volume)
	return sb.String()
}
