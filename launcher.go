package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/Seklfreak/robyul-referrals/backup"
	"github.com/Seklfreak/robyul-referrals/cache"
	"github.com/Seklfreak/robyul-referrals/engine"
	"github.com/Seklfreak/robyul-referrals/helpers"
	"github.com/Seklfreak/robyul-referrals/logging"
	"github.com/Seklfreak/robyul-referrals/metrics"
	"github.com/Seklfreak/robyul-referrals/migrations"
	"github.com/Seklfreak/robyul-referrals/ratelimits"
	"github.com/Seklfreak/robyul-referrals/rest"
	"github.com/Seklfreak/robyul-referrals/sessions"
	"github.com/Seklfreak/robyul-referrals/version"
	"github.com/bwmarrin/discordgo"
	"github.com/getsentry/raven-go"
	"github.com/go-redis/redis"
	"github.com/kz/discordrus"
	"github.com/sirupsen/logrus"
)

var (
	// BotRuntimeChannel receives the os signal that stops the bot
	BotRuntimeChannel chan os.Signal
)

// Entrypoint
func main() {
	log := logrus.New()
	log.Out = os.Stdout
	log.Level = logrus.DebugLevel
	log.Formatter = &logrus.TextFormatter{ForceColors: true, FullTimestamp: true, TimestampFormat: time.RFC3339}
	log.Hooks = make(logrus.LevelHooks)
	cache.SetLogger(log)

	configPath := "config.json"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	err := helpers.LoadConfig(configPath)
	if err != nil {
		log.WithField("module", "launcher").Fatalf("loading config failed: %s", err.Error())
	}

	helpers.DEBUG_MODE = helpers.ConfigBool("debug", false)
	if !helpers.DEBUG_MODE {
		log.Level = logrus.InfoLevel
	}

	if path := helpers.ConfigString("logging.jsonfile", ""); path != "" {
		fileHook, err := logging.NewLogrusFileHook(path, logrus.DebugLevel)
		if err != nil {
			log.WithField("module", "launcher").Error("logrus file hook failed, err:", err.Error())
		} else {
			log.Hooks.Add(fileHook)
			defer fileHook.Close()
		}
	}

	if webhook := helpers.ConfigString("logging.discord_webhook", ""); webhook != "" {
		log.Hooks.Add(discordrus.NewHook(
			webhook,
			logrus.ErrorLevel,
			&discordrus.Opts{
				Username:           "Referrals",
				DisableTimestamp:   false,
				TimestampFormat:    "Jan 2 15:04:05.00000",
				EnableCustomColors: true,
				CustomLevelColors: &discordrus.LevelColors{
					Error: 13631488,
					Panic: 13631488,
					Fatal: 13631488,
				},
			},
		))
	}

	log.WithField("module", "launcher").Info("Booting referral bot...")

	version.DumpInfo()

	metrics.Init()

	rand.Seed(time.Now().UTC().UnixNano())

	log.WithField("module", "launcher").Info("[SENTRY] Calling home...")
	err = raven.SetDSN(helpers.ConfigString("sentry.dsn", ""))
	if err != nil {
		log.WithField("module", "launcher").Fatalf("invalid sentry dsn: %s", err.Error())
	}
	if version.Released() {
		raven.SetRelease(version.BOT_VERSION)
	}

	options := engine.OptionsFromConfig()

	switch helpers.ConfigString("database.driver", "") {
	case "postgres":
		log.WithField("module", "launcher").Info("Opening postgres connection...")
		err = helpers.ConnectPostgres(helpers.ConfigString("postgres.dsn", ""))
		if err != nil {
			log.WithField("module", "launcher").Fatalf("connecting to postgres failed: %s", err.Error())
		}
		defer helpers.GetPostgres().Close()
		options.Relational = backup.NewPostgres(helpers.GetPostgres())
	case "mongodb":
		log.WithField("module", "launcher").Info("Opening mongodb connection...")
		err = helpers.ConnectMDB(helpers.ConfigString("mongodb.url", ""), helpers.ConfigString("mongodb.db", "referrals"))
		if err != nil {
			log.WithField("module", "launcher").Fatalf("connecting to mongodb failed: %s", err.Error())
		}
		defer helpers.GetMDbSession().Close()
		options.Relational = backup.NewMongoDB(helpers.GetMDb())
	case "":
		log.WithField("module", "launcher").Warn("no relational backup tier configured")
	default:
		log.WithField("module", "launcher").Fatalf("unknown database driver %s", helpers.ConfigString("database.driver", ""))
	}

	err = migrations.Run()
	if err != nil {
		log.WithField("module", "launcher").Fatalf("running migrations failed: %s", err.Error())
	}

	if address := helpers.ConfigString("redis.address", ""); address != "" {
		log.WithField("module", "launcher").Info("Connecting to redis...")
		redisClient := redis.NewClient(&redis.Options{
			Addr:     address,
			Password: helpers.ConfigString("redis.password", ""),
			DB:       helpers.ConfigInt("redis.db", 0),
		})
		err = redisClient.Ping().Err()
		if err != nil {
			log.WithField("module", "launcher").Fatalf("connecting to redis failed: %s", err.Error())
		}
		cache.SetRedisClient(redisClient)
		options.SessionStore = sessions.NewRedisStore(cache.GetRedisClient(), cache.GetRedisCacheCodec(), options.SessionMaxAge*2)
	}

	if helpers.StorageEnabled() {
		options.Remote = backup.NewObjectStorage(helpers.ConfigString("backup.key", "referrals/backup.json"))
	}

	platform := &helpers.Discord{}
	referrals, err := engine.New(options, platform)
	if err != nil {
		log.WithField("module", "launcher").Fatalf("building engine failed: %s", err.Error())
	}
	platform.Staff = referrals.Staff
	botEngine = referrals

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tier, err := referrals.Restore(ctx)
	if err != nil {
		raven.CaptureErrorAndWait(err, nil)
		log.WithField("module", "launcher").Fatalf("restoring backup failed: %s", err.Error())
	}
	log.WithField("module", "launcher").Infof("restored state from %s", tier)

	discordgo.Logger = func(msgL, caller int, format string, a ...interface{}) {
		pc, file, line, _ := runtime.Caller(caller)

		files := strings.Split(file, "/")
		file = files[len(files)-1]

		name := runtime.FuncForPC(pc).Name()
		fns := strings.Split(name, ".")
		name = fns[len(fns)-1]

		msg := format
		if strings.Contains(msg, "%") {
			msg = fmt.Sprintf(format, a...)
		}

		switch msgL {
		case discordgo.LogError:
			log.WithField("module", "discordgo").Errorf("%s:%d:%s() %s", file, line, name, msg)
		case discordgo.LogWarning:
			log.WithField("module", "discordgo").Warnf("%s:%d:%s() %s", file, line, name, msg)
		case discordgo.LogInformational:
			log.WithField("module", "discordgo").Infof("%s:%d:%s() %s", file, line, name, msg)
		case discordgo.LogDebug:
			log.WithField("module", "discordgo").Debugf("%s:%d:%s() %s", file, line, name, msg)
		}
	}
	log.WithField("module", "launcher").Info("Connecting to discord...")
	discord, err := discordgo.New("Bot " + helpers.ConfigString("discord.token", ""))
	if err != nil {
		log.WithField("module", "launcher").Fatalf("creating discord session failed: %s", err.Error())
	}

	discord.Lock()
	discord.Debug = false
	discord.LogLevel = discordgo.LogInformational
	discord.StateEnabled = true
	discord.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildInvites |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent
	discord.Unlock()

	discord.AddHandler(BotOnReady)
	discord.AddHandler(BotOnMessageCreate)
	discord.AddHandler(BotOnGuildMemberAdd)
	discord.AddHandler(BotOnGuildCreate)

	err = discord.Open()
	if err != nil {
		raven.CaptureErrorAndWait(err, nil)
		log.WithField("module", "launcher").Fatalf("connecting to discord failed: %s", err.Error())
	}

	address := helpers.ConfigString("rest.address", "localhost:2021")
	server := &http.Server{
		Addr:    address,
		Handler: rest.NewContainer(referrals, helpers.ConfigString("rest.admin_secret", "")),
	}
	go func() {
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.WithField("module", "launcher").Fatalf("REST API stopped: %s", err.Error())
		}
	}()
	log.WithField("module", "launcher").Infof("REST API listening on %s", address)

	go ratelimits.Container.Run(ctx)
	referrals.Start(ctx)

	// Make a channel that waits for a os signal
	BotRuntimeChannel = make(chan os.Signal, 1)
	signal.Notify(BotRuntimeChannel, os.Interrupt, syscall.SIGTERM)

	// Wait until the os wants us to shutdown
	<-BotRuntimeChannel

	log.WithField("module", "launcher").Info("referral bot is stopping")
	BotDestroy(discord)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), options.BackupTimeout+10*time.Second)
	defer shutdownCancel()

	err = server.Shutdown(shutdownCtx)
	if err != nil {
		log.WithField("module", "launcher").Warnf("stopping REST API failed: %s", err.Error())
	}
	cancel()
	err = referrals.Shutdown(shutdownCtx)
	if err != nil {
		raven.CaptureErrorAndWait(err, nil)
		log.WithField("module", "launcher").Errorf("final backup failed: %s", err.Error())
	}

	if cache.HasRedisClient() {
		err = cache.CloseRedisClient()
		if err != nil {
			log.WithField("module", "launcher").Warnf("closing redis failed: %s", err.Error())
		}
	}

	log.WithField("module", "launcher").Info("Disconnecting bot discord session...")
	discord.Close()
}
