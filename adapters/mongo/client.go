package mongo

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.uber.org/zap"
)

const (
	defaultURI      = "mongodb://localhost:27017"
	defaultDatabase = "vitalscan"
	appName         = "vitalscan-scanner"
)

// ClientConfig holds the connection settings for the result store
type ClientConfig struct {
	URI      string
	Database string
	// ConnectTimeout bounds both the dial and the initial ping
	ConnectTimeout time.Duration
}

// Client wraps the MongoDB client and the scan database
type Client struct {
	*mongo.Client
	Database *mongo.Database
	logger   *zap.Logger
}

// NewClient connects and pings before returning. A scanner writes one record per
// scan, so the pool stays small.
func NewClient(ctx context.Context, cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if cfg.URI == "" {
		cfg.URI = defaultURI
	}
	if cfg.Database == "" {
		cfg.Database = defaultDatabase
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	logger = logger.With(zap.String("component", "mongo"))

	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetAppName(appName).
		SetMaxPoolSize(4).
		SetMinPoolSize(0).
		SetMaxConnIdleTime(5 * time.Minute).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetWriteConcern(writeconcern.Majority())

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to result store: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping result store: %w", err)
	}

	logger.Info("Connected to result store",
		zap.String("host", redactedHost(cfg.URI)),
		zap.String("database", cfg.Database))

	return &Client{
		Client:   client,
		Database: client.Database(cfg.Database),
		logger:   logger,
	}, nil
}

// Close disconnects from the server
func (c *Client) Close(ctx context.Context) error {
	if err := c.Client.Disconnect(ctx); err != nil {
		c.logger.Error("Failed to disconnect from result store", zap.Error(err))
		return err
	}
	c.logger.Info("Disconnected from result store")
	return nil
}

// redactedHost keeps credentials out of the logs
func redactedHost(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "unparseable"
	}
	return u.Host
}
