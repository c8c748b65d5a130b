package store

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultChatbotCacheTTL = time.Hour
	chatbotCacheTimeout    = 300 * time.Millisecond
)

// ChatbotSource is the authoritative chatbot lookup behind the cache.
type ChatbotSource interface {
	GetChatbot(ctx context.Context, id string) (*Chatbot, error)
}

// CachedChatbots serves chatbot lookups from redis and falls back to the
// source on a miss or any cache error. A nil redis client disables caching.
type CachedChatbots struct {
	source ChatbotSource
	client *redis.Client
	ttl    time.Duration
}

var _ ChatbotSource = (*CachedChatbots)(nil)

// NewCachedChatbots returns a read-through cache. A nil client disables
// caching and every lookup goes to source.
func NewCachedChatbots(source ChatbotSource, client *redis.Client, ttl time.Duration) *CachedChatbots {
	if ttl <= 0 {
		ttl = defaultChatbotCacheTTL
	}
	return &CachedChatbots{source: source, client: client, ttl: ttl}
}

func (c *CachedChatbots) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= chatbotCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, chatbotCacheTimeout)
}

func chatbotKey(id string) string {
	return "ragdesk:chatbot:" + id
}

func (c *CachedChatbots) GetChatbot(ctx context.Context, id string) (*Chatbot, error) {
	if c.client == nil || id == "" {
		return c.source.GetChatbot(ctx, id)
	}

	if bot, err := c.get(ctx, id); err == nil {
		return bot, nil
	} else if !errors.Is(err, redis.Nil) {
		log.Printf("store: read chatbot cache failed: %v", err)
	}

	bot, err := c.source.GetChatbot(ctx, id)
	if err != nil {
		return nil, err
	}
	c.store(ctx, bot)
	return bot, nil
}

func (c *CachedChatbots) get(ctx context.Context, id string) (*Chatbot, error) {
	ctx, cancel := c.cacheContext(ctx)
	defer cancel()

	data, err := c.client.Get(ctx, chatbotKey(id)).Bytes()
	if err != nil {
		return nil, err
	}
	var bot Chatbot
	if err := json.Unmarshal(data, &bot); err != nil {
		return nil, err
	}
	return &bot, nil
}

func (c *CachedChatbots) store(ctx context.Context, bot *Chatbot) {
	payload, err := json.Marshal(bot)
	if err != nil {
		log.Printf("store: marshal chatbot cache payload failed: %v", err)
		return
	}

	ctx, cancel := c.cacheContext(ctx)
	defer cancel()

	if err := c.client.Set(ctx, chatbotKey(bot.ID), payload, c.ttl).Err(); err != nil {
		log.Printf("store: write chatbot cache failed: %v", err)
	}
}

// Invalidate drops the cached copy of a chatbot.
func (c *CachedChatbots) Invalidate(ctx context.Context, id string) {
	if c.client == nil || id == "" {
		return
	}
	ctx, cancel := c.cacheContext(ctx)
	defer cancel()

	if err := c.client.Del(ctx, chatbotKey(id)).Err(); err != nil {
		log.Printf("store: invalidate chatbot cache failed: %v", err)
	}
}
