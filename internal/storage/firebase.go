package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"github.com/noahxzhu/mission-notify/internal/errs"
	"github.com/noahxzhu/mission-notify/internal/model"
	"google.golang.org/api/option"
)

// FirebaseStore reads missions and user tokens from the Realtime Database.
type FirebaseStore struct {
	client *db.Client
	logger *slog.Logger
}

func NewFirebaseStore(ctx context.Context, projectID, databaseURL, credentialsPath string, logger *slog.Logger) (*FirebaseStore, error) {
	conf := &firebase.Config{
		ProjectID:   projectID,
		DatabaseURL: databaseURL,
	}
	app, err := firebase.NewApp(ctx, conf, option.WithCredentialsFile(credentialsPath))
	if err != nil {
		return nil, fmt.Errorf("firebase: error initializing app: %w", err)
	}

	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase: error getting Database client: %w", err)
	}

	return &FirebaseStore{
		client: client,
		logger: logger.With("component", "firebase_store"),
	}, nil
}

// Missions reads /missions once, in the database's key order.
func (s *FirebaseStore) Missions(ctx context.Context) ([]model.MissionRecord, error) {
	nodes, err := s.client.NewRef("missions").OrderByKey().GetOrdered(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read missions: %w", err)
	}

	result := make([]model.MissionRecord, 0, len(nodes))
	for _, n := range nodes {
		var node model.MissionNode
		if err := n.Unmarshal(&node); err != nil {
			s.logger.Warn("Skipping undecodable mission", "key", n.Key(), "error", err)
			continue
		}
		result = append(result, model.MissionRecord{Key: n.Key(), Mission: node.Content})
	}
	return result, nil
}

// UserToken reads /users/<uid>/content/token.
func (s *FirebaseStore) UserToken(ctx context.Context, uid string) (string, error) {
	if err := ValidateKey(uid); err != nil {
		return "", err
	}

	var token *string
	if err := s.client.NewRef(path.Join("users", uid, "content", "token")).Get(ctx, &token); err != nil {
		return "", err
	}
	if token == nil || *token == "" {
		return "", errs.ErrNoToken
	}
	return *token, nil
}
