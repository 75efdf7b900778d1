package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/attach"
	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/config"
	"github.com/mahaj/chatcore/pkg/db"
	"github.com/mahaj/chatcore/pkg/directory"
	"github.com/mahaj/chatcore/pkg/live"
	"github.com/mahaj/chatcore/pkg/metrics"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/notify"
	"github.com/mahaj/chatcore/pkg/presence"
	"github.com/mahaj/chatcore/pkg/snowflake"
	"github.com/mahaj/chatcore/pkg/store"
	"github.com/mahaj/chatcore/pkg/stream"
	"github.com/mahaj/chatcore/pkg/typing"
)

// liveFeed is what the client needs from a transport: the Feed surface plus
// teardown. Both the gateway socket and the broker consumer satisfy it.
type liveFeed interface {
	live.Feed
	Close() error
}

type client struct {
	log       *zap.Logger
	userID    string
	sync      *stream.Synchronizer
	dir       *directory.Directory
	convs     *store.Conversations
	pipeline  *attach.Pipeline
	presence  *presence.Manager
	typingFor func(conversationID string) *typing.Coordinator
	view      *typing.View
}

func main() {
	userID := flag.String("user", "user1", "user id")
	nodeID := flag.Int64("node", 1, "snowflake node id")
	feedKind := flag.String("feed", "ws", "live feed transport: ws or kafka")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}

	metrics.Register()

	session, err := db.NewSession(cfg.ScyllaHosts, cfg.Keyspace, log)
	if err != nil {
		log.Fatal("scylla connect failed", zap.Error(err))
	}
	defer session.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	ids, err := snowflake.NewNode(*nodeID)
	if err != nil {
		log.Fatal("snowflake init failed", zap.Error(err))
	}

	ctx := context.Background()

	var feed liveFeed
	switch *feedKind {
	case "kafka":
		feed = live.NewKafkaFeed(cfg.KafkaBrokers, cfg.KafkaTopic, log)
	default:
		token, err := auth.GenerateToken(*userID)
		if err != nil {
			log.Fatal("token generation failed", zap.Error(err))
		}
		feed, err = live.Dial(ctx, cfg.GatewayURL, token, log)
		if err != nil {
			log.Fatal("gateway dial failed", zap.Error(err))
		}
	}
	defer feed.Close()

	sink := notify.NewLogSink(log)

	convs := store.NewConversations(session, log)
	msgs := store.NewMessages(session, convs, log)

	storage, err := attach.NewMinioStorage(cfg.MinioEndpoint, cfg.MinioAccessKey,
		cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatal("object storage init failed", zap.Error(err))
	}

	typingStore := typing.NewStore(rdb, cfg.TypingTTL)
	typingSignals := typing.NewBroadcaster(typingStore, feed, cfg.TypingTTL, log)
	view := typing.NewView()

	c := &client{
		log:      log,
		userID:   *userID,
		sync:     stream.NewSynchronizer(msgs, convs, feed, ids, *userID, sink, log),
		dir:      directory.New(convs, msgs, sink, log),
		convs:    convs,
		pipeline: attach.NewPipeline(storage, ids, sink, log),
		presence: presence.NewManager(presence.NewStore(rdb, cfg.PresenceStaleness),
			*userID, cfg.HeartbeatInterval, cfg.PresenceStaleness, log),
		view: view,
		typingFor: func(conversationID string) *typing.Coordinator {
			return typing.NewCoordinator(typingSignals, conversationID, *userID,
				cfg.TypingThrottle, cfg.TypingIdleAfter, log)
		},
	}

	c.presence.Start(ctx)
	defer c.presence.Close()
	defer c.sync.Close()

	go c.watchTyping(ctx, feed)
	go c.watchMessages(ctx, feed)

	c.repl(ctx)
}

// watchMessages prints inserts for whatever conversation is open. The
// synchronizer keeps the canonical list; this is display only.
func (c *client) watchMessages(ctx context.Context, feed live.Feed) {
	sub, err := feed.Subscribe(ctx, live.TableMessages, live.Filter{})
	if err != nil {
		c.log.Warn("message watch subscribe failed", zap.Error(err))
		return
	}
	defer sub.Unsubscribe()

	for ev := range sub.Events() {
		if ev.Op != live.OpInsert {
			continue
		}
		var msg model.Message
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			continue
		}
		if msg.ConversationID != c.sync.Conversation() || msg.SenderID == c.userID {
			continue
		}
		fmt.Printf("\r%s: %s\n> ", msg.SenderID, msg.Content)
	}
}

func (c *client) watchTyping(ctx context.Context, feed live.Feed) {
	sub, err := feed.Subscribe(ctx, live.TableTyping, live.Filter{})
	if err != nil {
		c.log.Warn("typing watch subscribe failed", zap.Error(err))
		return
	}
	defer sub.Unsubscribe()

	for ev := range sub.Events() {
		var indicator model.TypingIndicator
		if err := json.Unmarshal(ev.Payload, &indicator); err != nil {
			continue
		}
		if indicator.ConversationID != c.sync.Conversation() || indicator.UserID == c.userID {
			continue
		}
		switch ev.Op {
		case live.OpInsert, live.OpUpdate:
			c.view.Apply(indicator)
			fmt.Printf("\r%s is typing...\n> ", indicator.UserID)
		case live.OpDelete:
			c.view.Remove(indicator.UserID)
		}
	}
}

func (c *client) repl(ctx context.Context) {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	var coordinator *typing.Coordinator
	fmt.Print("> ")
	for {
		select {
		case <-interrupt:
			if coordinator != nil {
				coordinator.Close()
			}
			return
		case text, ok := <-lines:
			if !ok {
				return
			}
			switch {
			case text == "/quit":
				if coordinator != nil {
					coordinator.Close()
				}
				return
			case text == "/list":
				c.list(ctx)
			case strings.HasPrefix(text, "/dm "):
				other := strings.TrimSpace(strings.TrimPrefix(text, "/dm "))
				id, err := c.convs.GetOrCreate(ctx, c.userID, other, "")
				if err != nil {
					fmt.Println("error:", err)
					break
				}
				coordinator = c.open(ctx, id, coordinator)
			case strings.HasPrefix(text, "/open "):
				id := strings.TrimSpace(strings.TrimPrefix(text, "/open "))
				coordinator = c.open(ctx, id, coordinator)
			case strings.HasPrefix(text, "/attach "):
				c.attachFile(ctx, strings.TrimSpace(strings.TrimPrefix(text, "/attach ")))
			case strings.HasPrefix(text, "/online "):
				user := strings.TrimSpace(strings.TrimPrefix(text, "/online "))
				fmt.Printf("%s online: %v\n", user, c.presence.IsOnline(ctx, user))
			case text == "/away":
				c.presence.SetVisible(ctx, false)
			case text == "/back":
				c.presence.SetVisible(ctx, true)
			case text != "":
				c.send(ctx, text, coordinator)
			}
			fmt.Print("> ")
		}
	}
}

func (c *client) list(ctx context.Context) {
	entries, err := c.dir.List(ctx, c.userID)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	for _, e := range entries {
		badge := ""
		if e.UnreadCount > 0 {
			badge = fmt.Sprintf(" (%d unread)", e.UnreadCount)
		}
		last := ""
		if e.LastMessage != nil {
			last = " — " + e.LastMessage.Content
		}
		if e.Err != nil {
			last = " — details unavailable"
		}
		fmt.Printf("%s%s%s\n", e.Conversation.ID, badge, last)
	}
}

func (c *client) open(ctx context.Context, id string, previous *typing.Coordinator) *typing.Coordinator {
	if previous != nil {
		previous.Close()
	}
	if err := c.sync.Open(ctx, id); err != nil {
		fmt.Println("error:", err)
		return nil
	}
	for _, m := range c.sync.Messages() {
		fmt.Printf("%s: %s\n", m.SenderID, m.Content)
	}
	return c.typingFor(id)
}

func (c *client) attachFile(ctx context.Context, path string) {
	f, err := os.Open(path)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	result := c.pipeline.Ingest(ctx, []attach.File{{
		Name:     filepath.Base(path),
		Size:     info.Size(),
		MimeType: mime.TypeByExtension(filepath.Ext(path)),
		Content:  f,
	}})
	for _, r := range result.Rejected {
		fmt.Printf("rejected %s: %v\n", r.Name, r.Err)
	}
	fmt.Printf("%d attachment(s) queued\n", len(c.pipeline.Pending()))
}

func (c *client) send(ctx context.Context, text string, coordinator *typing.Coordinator) {
	conversationID := c.sync.Conversation()
	if conversationID == "" {
		fmt.Println("no conversation open (/dm <user> or /open <id>)")
		return
	}
	if coordinator != nil {
		coordinator.InputChanged(ctx, text)
	}
	if c.pipeline.Uploading() {
		fmt.Println("uploads still in progress")
		return
	}

	_, err := c.sync.Send(ctx, stream.SendRequest{
		ConversationID: conversationID,
		Content:        text,
		Attachments:    c.pipeline.Pending(),
	})
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	c.pipeline.Clear()
	if coordinator != nil {
		coordinator.MessageSent(ctx)
	}
}
