package bot

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v3"
)

// Recover turns a handler panic into a reported error and a generic reply.
func (h *Handler) Recover(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) (err error) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
			defer cancel()
			correlationID := h.lifecycle.ReportError(ctx, "panic", senderID(c), "", fmt.Errorf("panic: %v", r))
			if c.Callback() != nil {
				err = c.Respond(&tele.CallbackResponse{Text: ReplyFor(nil, correlationID), ShowAlert: true})
				return
			}
			err = h.send(c, ReplyFor(nil, correlationID))
		}()
		return next(c)
	}
}

// LogUpdate logs each handled update at debug level with its duration.
func (h *Handler) LogUpdate(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		start := time.Now()
		err := next(c)

		fields := []zap.Field{
			zap.Int("update_id", c.Update().ID),
			zap.String("user_id", senderID(c)),
			zap.Duration("duration", time.Since(start)),
		}
		if chat := c.Chat(); chat != nil {
			fields = append(fields, zap.Int64("chat_id", chat.ID))
		}
		if err != nil {
			h.logger.Warn("update failed", append(fields, zap.Error(err))...)
			return err
		}
		h.logger.Debug("update handled", fields...)
		return nil
	}
}
