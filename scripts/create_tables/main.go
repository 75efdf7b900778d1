package main

import (
	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/config"
	"github.com/mahaj/chatcore/pkg/db"
)

// Note: In production, schema creation should be handled by migration tools.
func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}

	sysSession, err := db.NewSession(cfg.ScyllaHosts, "system", log)
	if err != nil {
		log.Fatal("connect to system keyspace failed", zap.Error(err))
	}
	err = sysSession.Query(`CREATE KEYSPACE IF NOT EXISTS ` + cfg.Keyspace +
		` WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : 1 }`).Exec()
	if err != nil {
		log.Fatal("create keyspace failed", zap.Error(err))
	}
	sysSession.Close()

	session, err := db.NewSession(cfg.ScyllaHosts, cfg.Keyspace, log)
	if err != nil {
		log.Fatal("connect to chat keyspace failed", zap.Error(err))
	}
	defer session.Close()

	tables := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id text,
			tenant_id text,
			name text,
			is_group boolean,
			avatar_url text,
			created_by text,
			created_at timestamp,
			updated_at timestamp,
			PRIMARY KEY (id)
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id text,
			user_id text,
			joined_at timestamp,
			last_read_at timestamp,
			is_admin boolean,
			display_name text,
			avatar_url text,
			role text,
			PRIMARY KEY (conversation_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS user_conversations (
			user_id text,
			conversation_id text,
			updated_at timestamp,
			PRIMARY KEY (user_id, conversation_id)
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			conversation_id text,
			id bigint,
			sender_id text,
			content text,
			kind text,
			attachments text,
			reply_to_id bigint,
			edited_at timestamp,
			deleted_at timestamp,
			created_at timestamp,
			PRIMARY KEY (conversation_id, id)
		) WITH CLUSTERING ORDER BY (id ASC)`,
	}

	for _, q := range tables {
		if err := session.Query(q).Exec(); err != nil {
			log.Fatal("create table failed", zap.Error(err))
		}
	}

	log.Info("chat tables created")
}
