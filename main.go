package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"TratoChat/global"
	"TratoChat/logger"
	"TratoChat/module/treaty"
	"TratoChat/module/treaty/notify"
	"TratoChat/module/treaty/presence"
	"TratoChat/module/treaty/ratelimit"
	"TratoChat/module/treaty/status"
	"TratoChat/module/treaty/store"
	usersvc "TratoChat/module/user/service"
	"TratoChat/service/bus"
	"TratoChat/service/gateway"
	"TratoChat/service/kafka"
	"TratoChat/service/mgo"
	redisstore "TratoChat/service/storage/redis"
	"TratoChat/tools/safe"
)

// enginePresence answers "watching right now" from either a live join or
// a fresh viewing heartbeat.
type enginePresence struct {
	presence *presence.Tracker
	status   *status.Tracker
}

func (p *enginePresence) IsPresent(conversationID, userID string) bool {
	if p.presence.IsPresent(bus.ConversationTopic(conversationID), userID) {
		return true
	}
	return p.status.IsViewing(userID, conversationID)
}

func main() {
	flag.Parse()
	global.ConfigAll()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// backing services, all tolerant of being down at boot
	if err := redisstore.InitRedis(redisstore.Config{
		Addr:     global.Conf.Redis.Addr,
		Password: global.Conf.Redis.Password,
		DB:       global.Conf.Redis.DB,
	}); err != nil {
		logger.Warnf("[boot] redis unavailable, presence mirror off: %v", err)
	}

	mgo.StartAsync(ctx, &global.Conf.Mongo)
	safe.Go("boot.mongoReady", func() {
		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := mgo.WaitReady(waitCtx); err != nil {
			logger.Warnf("[boot] mongo still not ready: %v (last: %v)", err, mgo.Err())
			return
		}
		logger.Info("[boot] mongo ready")
	})

	if err := kafka.InitKafkaClient(global.Conf.Kafka.Brokers); err != nil {
		logger.Warnf("[boot] kafka unavailable, e-mail digests off: %v", err)
	} else if err := kafka.InitAsyncProducerFromClient(); err != nil {
		logger.Warnf("[boot] kafka producer init failed: %v", err)
	}

	var b bus.Bus
	if global.Conf.Nats.Enabled {
		nb, err := bus.NewNatsBus(bus.NatsConfig{Servers: global.Conf.Nats.Servers, Name: "trato-engine"})
		if err != nil {
			logger.Warnf("[boot] nats unavailable, using in-process bus: %v", err)
			b = bus.NewMemoryBus()
		} else {
			b = nb
		}
	} else {
		b = bus.NewMemoryBus()
	}
	defer func() { _ = b.Close() }()

	ec := global.Conf.Engine

	var msgStore store.MessageStore
	if global.Conf.Postgres.Enabled {
		pg, err := store.NewPostgresStore(ctx, global.Conf.Postgres.Dsn)
		if err != nil {
			logger.Warnf("[boot] postgres unavailable, falling back to mongo: %v", err)
		} else {
			defer pg.Close()
			msgStore = pg
		}
	}
	if msgStore == nil {
		msgStore = store.NewLazyMongoStore()
	}
	users := usersvc.NewLazyMongoDirectory()

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Window:     ec.RateWindow,
		SweepEvery: ec.RateSweepEvery,
	})
	defer limiter.Close()

	statusTracker := status.NewTracker(status.Config{
		SweepEvery:        ec.StatusSweepEvery,
		StatusRetention:   ec.StatusRetention,
		PresenceRetention: ec.PresenceRetention,
		ViewingWindow:     ec.ViewingWindow,
	}, b, msgStore)
	defer statusTracker.Close()

	presenceTracker := presence.NewTracker(presence.Config{MirrorRedis: redisstore.Ready()}, b)

	dispatcher := notify.NewDispatcher(notify.Config{
		DesktopDebounce: ec.DesktopDebounce,
		ReadSoundWindow: ec.ReadSoundWindow,
		EmailFlushEvery: ec.EmailFlushEvery,
	}, b, &enginePresence{presence: presenceTracker, status: statusTracker},
		&notify.KafkaMailer{Topic: global.Conf.Kafka.MailTopic})
	defer dispatcher.Close()

	engine := &treaty.Engine{
		Limiter:  limiter,
		Status:   statusTracker,
		Presence: presenceTracker,
		Notify:   dispatcher,
	}
	engine.Dir = treaty.NewDirectory(treaty.RoomConfig{
		RecentLimit:       ec.RecentLimit,
		InactivityTimeout: ec.InactivityTimeout,
		InactivityTick:    ec.InactivityTick,
		MailboxSize:       ec.MailboxSize,
	}, treaty.RoomDeps{
		Store:     msgStore,
		Users:     users,
		Bus:       b,
		Recorder:  limiter,
		Status:    statusTracker,
		Activity:  presenceTracker,
		OnMessage: engine.FanOutMessage,
	})
	defer engine.Dir.Shutdown()

	mgr := gateway.NewConnManager(gateway.ManagerConf{
		FrameRate:  global.Conf.Gateway.SendPerSec,
		FrameBurst: global.Conf.Gateway.SendBurst,
	})
	defer mgr.Close()

	srv := gateway.NewServer(engine, mgr, b, global.GetJwtSecret())

	errCh := make(chan error, 1)
	safe.Go("gateway.serve", func() {
		errCh <- srv.Run(global.Conf.Gateway.Addr)
	})

	select {
	case <-ctx.Done():
		logger.Info("[boot] shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Errorf("[boot] gateway stopped: %v", err)
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutCtx)
	dispatcher.FlushEmailsNow()
	_ = kafka.Close()
	if redisstore.Ready() {
		_ = redisstore.Close()
	}
}
