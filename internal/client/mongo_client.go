package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"chat-auth-guard/internal/config"
	"chat-auth-guard/internal/util"
)

var ErrMongoUnavailable = errors.New("failed to connect to MongoDB")

type MongoClient struct {
	Client   *mongo.Client
	Database *mongo.Database
}

// NewMongoClient connects and pings, retrying RetryAttempts times.
func NewMongoClient(ctx context.Context, cfg *config.Config) (*MongoClient, error) {
	mongoConfig := cfg.Mongo
	attempts := max(mongoConfig.RetryAttempts, 1)

	var lastErr error
	for attempt := range attempts {
		client, err := mongo.Connect(
			options.Client().
				ApplyURI(mongoConfig.URL).
				SetConnectTimeout(mongoConfig.ConnectTimeout).
				SetMaxPoolSize(mongoConfig.MaxPoolSize).
				SetMinPoolSize(mongoConfig.MinPoolSize).
				SetMaxConnIdleTime(mongoConfig.MaxConnIdleTime).
				SetRetryWrites(true).
				SetRetryReads(true),
		)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, mongoConfig.ConnectTimeout)
			err = client.Ping(pingCtx, nil)
			cancel()
			if err == nil {
				util.Info("MongoDB client initialized",
					zap.String("database", mongoConfig.Database),
					zap.Int("attempt", attempt+1))
				return &MongoClient{
					Client:   client,
					Database: client.Database(mongoConfig.Database),
				}, nil
			}
			_ = client.Disconnect(context.Background())
		}
		lastErr = err

		util.Warn("MongoDB connection attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrMongoUnavailable, ctx.Err())
		case <-time.After(mongoConfig.RetryInterval):
		}
	}

	return nil, errors.Join(ErrMongoUnavailable, lastErr)
}

func (m *MongoClient) HealthCheck(ctx context.Context) error {
	if err := m.Client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongodb ping failed: %w", err)
	}
	return nil
}

func (m *MongoClient) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Client.Disconnect(ctx); err != nil {
		util.Error("failed to close MongoDB client", zap.Error(err))
		return err
	}
	util.Info("MongoDB client closed")
	return nil
}
