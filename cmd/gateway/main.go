// Command gateway runs the AI gateway worker plane: the model catalog
// watcher, the RabbitMQ consumers that execute queued chat requests and the
// post-turn bookkeeping, and the batch reconciler.
//
// # Clustering
//
// Multiple nodes sharing the same Redis form a cluster. Catalog edits on any
// node broadcast through a replicated map; every node reloads its snapshot.
// Batch reconciliation and rate limits coordinate through Redis keys, so any
// number of nodes can run side by side.
//
// # Configuration
//
// Environment variables (see the config package for defaults):
//
//	GTWY_ENV            - deployment name appended to queue names
//	REDIS_URL           - Redis connection URL
//	MONGO_URI, MONGO_DB - Mongo connection string and database
//	QUEUE_URL           - RabbitMQ connection URL
//	AES_SECRET_KEY      - API key encryption secret (required)
//	AES_IV              - API key encryption IV (required)
//	RTLAYER_URL         - RTLayer push endpoint
//	RTLAYER_API_KEY     - platform RTLayer credential
//	VECTOR_SERVICE_URL  - knowledge-base search endpoint
//	VECTOR_SERVICE_KEY  - knowledge-base credential
//	FIRECRAWL_API_KEY   - enables the web_crawl built-in tool
//	AI_ML_DEFAULT_KEY   - platform ai_ml credential
//	CHATBOT_OPENAI_KEY  - reserved gpt-5-nano credential
//	PROVIDER_TIMEOUT    - upstream model call timeout
//	PROVIDER_RPS        - sustained upstream calls per second per service
//	PROVIDER_BURST      - upstream call burst per service
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	moptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"
	"golang.org/x/sync/errgroup"

	"github.com/gtwy-ai/gateway/batch"
	"github.com/gtwy-ai/gateway/bridge"
	"github.com/gtwy-ai/gateway/cache"
	"github.com/gtwy-ai/gateway/catalog"
	"github.com/gtwy-ai/gateway/config"
	"github.com/gtwy-ai/gateway/engine"
	"github.com/gtwy-ai/gateway/history"
	"github.com/gtwy-ai/gateway/ledger"
	"github.com/gtwy-ai/gateway/notify"
	"github.com/gtwy-ai/gateway/providers"
	"github.com/gtwy-ai/gateway/providers/anthropic"
	"github.com/gtwy-ai/gateway/providers/gemini"
	"github.com/gtwy-ai/gateway/providers/oaichat"
	"github.com/gtwy-ai/gateway/providers/openairesp"
	"github.com/gtwy-ai/gateway/queue"
	"github.com/gtwy-ai/gateway/store"
	"github.com/gtwy-ai/gateway/tools"
)

// catalogMap is the replicated-map name shared by every gateway node.
const catalogMap = "gateway-catalog"

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if err := run(ctx); err != nil {
		log.Errorf(ctx, err, "gateway exited")
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log.Printf(ctx, "starting gateway (env=%s)", cfg.Environment)

	// Redis backs the cache, the usage ledger and the catalog broadcast.
	ropts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(ropts)
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Errorf(ctx, err, "close redis")
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	mcl, err := mongo.Connect(ctx, moptions.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return fmt.Errorf("connect to mongo: %w", err)
	}
	defer func() {
		if err := mcl.Disconnect(context.Background()); err != nil {
			log.Errorf(ctx, err, "disconnect mongo")
		}
	}()
	if err := mcl.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}

	conn, err := amqp091.Dial(cfg.QueueURL)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	defer conn.Close()

	c := cache.New(rdb, cfg.RedisConcurrency)
	st := store.New(mcl.Database(cfg.MongoDB), c, cfg.MongoConcurrency)

	// Model catalog: initial load plus a replicated-map broadcast so every
	// node reloads when any node observes a change.
	m, err := rmap.Join(ctx, catalogMap, rdb)
	if err != nil {
		return fmt.Errorf("join catalog map: %w", err)
	}
	watcher, snap, err := catalog.NewWatcher(ctx, st, m)
	if err != nil {
		return err
	}
	log.Printf(ctx, "model catalog loaded: %d models", snap.Len())

	// Every adapter shares one pacer so upstream calls spread out per service.
	pacer := providers.NewPacer(cfg.ProviderRPS, cfg.ProviderBurst)
	adapters := providers.NewRegistry(
		providers.Paced(openairesp.New(nil, ""), pacer),
		providers.Paced(oaichat.New(catalog.ServiceOpenAICompletion, ""), pacer),
		providers.Paced(anthropic.New().WithBatches(), pacer),
		providers.Paced(gemini.New(), pacer),
		providers.Paced(oaichat.New(catalog.ServiceGroq, cfg.BaseURLs["groq"]), pacer),
		providers.Paced(oaichat.New(catalog.ServiceGrok, cfg.BaseURLs["grok"]), pacer),
		providers.Paced(oaichat.New(catalog.ServiceOpenRouter, cfg.BaseURLs["open_router"]), pacer),
		providers.Paced(oaichat.New(catalog.ServiceMistral, cfg.BaseURLs["mistral"]), pacer),
		providers.Paced(oaichat.New(catalog.ServiceAIML, cfg.BaseURLs["ai_ml"]), pacer),
	)

	cipher, err := bridge.NewCipher(cfg.AESKey, cfg.AESIV)
	if err != nil {
		return err
	}
	limits := ledger.New(c)
	resolver := bridge.NewResolver(st, limits, cipher, orgClock{cache: c}, bridge.ReservedKeys{
		AIML:            cfg.AIMLAPIKey,
		ChatbotGPT5Nano: cfg.ChatbotOpenAIKey,
	})

	httpClient := &http.Client{Timeout: 2 * time.Minute}
	rag := tools.NewVectorClient(httpClient, cfg.VectorServiceURL, cfg.VectorServiceKey)
	web := tools.NewFirecrawlClient(httpClient, cfg.FirecrawlAPIKey)
	agents := &agentGateway{}
	invoker := tools.NewInvoker(httpClient, rag, agents, web)

	eng := engine.New(engine.Options{
		Adapters: adapters,
		Snapshot: snap,
		Runner:   invoker,
		Conv:     c,
		History:  st,
		Costs:    limits,
		Resolver: resolver,
		Guard:    engine.NewGuardrails(adapters, cfg.ChatbotOpenAIKey),
	})
	agents.engine = eng

	notifier := notify.New(notify.Options{
		RTLayerURL: cfg.RTLayerURL,
		RTLayerKey: cfg.RTLayerAPIKey,
		Alerts:     st,
	})
	recorder := history.New(st, c)
	batches := batch.New(batch.Options{Adapters: adapters, Cache: c, Webhook: notifier})

	// Consumers and the publisher each get their own channel; AMQP channels
	// are not safe for concurrent use.
	primCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	secCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	primary := queue.NewPrimaryWorker(resolver, eng, recorder, notifier)
	assistant := queue.NewChatAssistant(adapters, cfg.ChatbotOpenAIKey)
	secondary := queue.NewSecondaryWorker(st, c, assistant, notifier)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		watcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		st.WatchModelConfigs(gctx, watcher)
		return nil
	})
	g.Go(func() error {
		batches.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return queue.NewConsumer(primCh, cfg.PrimaryQueue, primary).Run(gctx)
	})
	g.Go(func() error {
		return queue.NewConsumer(secCh, cfg.SecondaryQueue, secondary).Run(gctx)
	})

	log.Printf(ctx, "gateway running (queues %s, %s)", cfg.PrimaryQueue, cfg.SecondaryQueue)
	return g.Wait()
}

// agentGateway breaks the construction cycle between the tool invoker and
// the engine: connected-agent tool calls re-enter the engine built after the
// invoker.
type agentGateway struct {
	engine *engine.Engine
}

func (a *agentGateway) CallAgent(ctx context.Context, call tools.AgentCall) (any, error) {
	return a.engine.CallAgent(ctx, call)
}

// orgClock renders the org-local time string injected into prompts, using
// the cached org timezone record. Orgs without a record get IST.
type orgClock struct {
	cache *cache.Cache
}

func (o orgClock) TimeVariables(ctx context.Context, orgID string) (string, string, error) {
	identifier, orgName := "Asia/Calcutta", ""
	if info, ok, err := o.cache.OrgInfo(ctx, orgID); err == nil && ok {
		if info.Identifier != "" {
			identifier = info.Identifier
		}
		orgName = info.OrgName
	}
	loc, err := time.LoadLocation(identifier)
	if err != nil {
		loc = time.FixedZone("IST", 5*3600+30*60)
	}
	now := time.Now().In(loc)
	return now.Format("2006-01-02 15:04:05 Monday") + " (" + identifier + ")", orgName, nil
}
