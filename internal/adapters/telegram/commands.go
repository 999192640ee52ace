package telegram

import (
	"context"
	"encoding/json"

	"github.com/dentalor/lorbot/internal/ports"
)

// Command is an entry of the bot's command menu.
type Command struct {
	Name        string
	Description string
}

// SetCommands publishes the command menu. Failures are logged and skipped.
func (c *Client) SetCommands(ctx context.Context, commands []Command) {
	list := make([]botCommand, 0, len(commands))
	for _, cmd := range commands {
		list = append(list, botCommand{Command: cmd.Name, Description: cmd.Description})
	}
	if err := c.send(ctx, "setMyCommands", map[string]any{"commands": list}, nil); err != nil {
		c.logger.Warn("set commands failed", ports.Err(err))
	}
}

// SetDescriptions sets the profile short description and the text shown
// in an empty chat. Empty values are skipped, as are failures.
func (c *Client) SetDescriptions(ctx context.Context, short, long string) {
	if short != "" {
		if err := c.send(ctx, "setMyShortDescription", map[string]string{"short_description": short}, nil); err != nil {
			c.logger.Warn("set short description failed", ports.Err(err))
		}
	}
	if long != "" {
		if err := c.send(ctx, "setMyDescription", map[string]string{"description": long}, nil); err != nil {
			c.logger.Warn("set description failed", ports.Err(err))
		}
	}
}

func jsonString(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
