package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/dmclaw/pkg/dmclaw/database"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/queue"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/responder"
)

// newTryCmd creates `dmclaw try`, a local REPL that previews replies.
func newTryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "try",
		Short: "Chat with the composer locally without sending anything",
		Long: `Open a prompt where each line is treated as an inbound direct message
from a local test user. Replies are composed with the configured rules,
completion model and spend fuse, and printed instead of sent. State lives
in a scratch SQLite database (--db to keep it between sessions).

Examples:
  dmclaw try
  dmclaw try --name "Ada" --db ./data/try.db`,
		Args: cobra.NoArgs,
		RunE: runTry,
	}
	cmd.Flags().String("db", "", "scratch SQLite file (default: a temporary file)")
	cmd.Flags().String("name", "Local Tester", "display name of the test user")
	cmd.Flags().String("handle", "tester", "handle of the test user")
	return cmd
}

const tryExternalID = "local-tester"

func runTry(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	dbPath, _ := cmd.Flags().GetString("db")
	if dbPath == "" {
		dir, err := os.MkdirTemp("", "dmclaw-try-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		dbPath = filepath.Join(dir, "try.db")
	}
	cfg.Database = database.DefaultConfig()
	cfg.Database.SQLite.Path = dbPath
	cfg.Database.AutoMigrate = true
	cfg.Responder.DryRun = true

	a, err := openAppWith(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	comp, err := a.newComposer()
	if err != nil {
		return err
	}

	name, _ := cmd.Flags().GetString("name")
	handle, _ := cmd.Flags().GetString("handle")
	sess, err := openTrySession(ctx, a.db, cfg.Platform(), name, handle)
	if err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".dmclaw_try_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("start prompt: %w", err)
	}
	defer rl.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Talking to %s as %s. Ctrl+D or /quit to leave.\n", comp.PersonaName(), name)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}

		msg, err := sess.inbound(ctx, line)
		if err != nil {
			return err
		}
		reply, err := comp.Compose(ctx, msg)
		if err != nil {
			fmt.Fprintf(out, "[compose failed: %v]\n", err)
			if mErr := a.queue.MarkFailed(ctx, msg.ID, err.Error(), true); mErr != nil {
				return mErr
			}
			continue
		}
		if err := a.queue.MarkResponded(ctx, msg.ID, responder.DryRunExternalID); err != nil {
			return err
		}
		if err := a.queue.RecordOutbound(ctx, msg, fmt.Sprintf("try-out-%d", msg.ID), reply.Text, time.Now()); err != nil {
			logger.Debug("failed to record scratch reply", "error", err)
		}
		tag := reply.Rule
		if reply.UsedLLM {
			tag = fmt.Sprintf("%s, llm $%.5f", tag, reply.CostUSD)
		}
		fmt.Fprintf(out, "%s [%s]>\n%s\n\n", comp.PersonaName(), tag, reply.Text)
	}
}

// trySession owns the test user and conversation rows of the scratch store.
type trySession struct {
	db     *database.DB
	userID int64
	convID int64
	msg    queue.ClaimedMessage
	seq    int
}

func openTrySession(ctx context.Context, db *database.DB, platform, name, handle string) (*trySession, error) {
	s := &trySession{db: db}
	err := db.SQL.QueryRowContext(ctx, db.Rebind(
		`SELECT id FROM users WHERE platform = ? AND external_id = ?`), platform, tryExternalID).Scan(&s.userID)
	if err != nil {
		res, err := db.SQL.ExecContext(ctx, db.Rebind(
			`INSERT INTO users (platform, external_id, handle, display_name) VALUES (?, ?, ?, ?)`),
			platform, tryExternalID, handle, name)
		if err != nil {
			return nil, fmt.Errorf("create test user: %w", err)
		}
		if s.userID, err = res.LastInsertId(); err != nil {
			return nil, err
		}
	}
	err = db.SQL.QueryRowContext(ctx, db.Rebind(
		`SELECT id FROM dm_conversations WHERE subject_user_id = ?`), s.userID).Scan(&s.convID)
	if err != nil {
		res, err := db.SQL.ExecContext(ctx, db.Rebind(
			`INSERT INTO dm_conversations (platform, external_chat_id, subject_user_id) VALUES (?, ?, ?)`),
			platform, tryExternalID, s.userID)
		if err != nil {
			return nil, fmt.Errorf("create test conversation: %w", err)
		}
		if s.convID, err = res.LastInsertId(); err != nil {
			return nil, err
		}
	}
	s.msg = queue.ClaimedMessage{
		ConversationID:    s.convID,
		SenderID:          s.userID,
		SenderExternalID:  tryExternalID,
		SenderHandle:      handle,
		SenderDisplayName: name,
	}
	return s, nil
}

// inbound stores text as an inbound message in sending, as a claim would.
func (s *trySession) inbound(ctx context.Context, text string) (queue.ClaimedMessage, error) {
	s.seq++
	now := time.Now().UTC()
	extID := fmt.Sprintf("try-in-%d-%d", now.UnixNano(), s.seq)
	res, err := s.db.SQL.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO dm_messages
			(conversation_id, sender_id, external_message_id, direction, text, sent_at,
			 response_status, response_attempts, response_attempted_at)
		VALUES (?, ?, ?, 'inbound', ?, ?, 'sending', 1, ?)`),
		s.convID, s.userID, extID, text, now, now)
	if err != nil {
		return queue.ClaimedMessage{}, fmt.Errorf("store test message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return queue.ClaimedMessage{}, err
	}
	msg := s.msg
	msg.ID = id
	msg.ExternalMessageID = extID
	msg.Text = text
	msg.SentAt = now
	msg.Attempts = 1
	return msg, nil
}
