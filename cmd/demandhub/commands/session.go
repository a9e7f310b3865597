package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/demandhub/internal/board"
	"github.com/dyluth/demandhub/internal/cache"
	"github.com/dyluth/demandhub/internal/changefeed"
	"github.com/dyluth/demandhub/internal/config"
	dockerpkg "github.com/dyluth/demandhub/internal/docker"
	"github.com/dyluth/demandhub/internal/eventlog"
	"github.com/dyluth/demandhub/internal/instance"
	"github.com/dyluth/demandhub/internal/localstore"
	"github.com/dyluth/demandhub/internal/presence"
	"github.com/dyluth/demandhub/internal/printer"
	"github.com/dyluth/demandhub/internal/store"
	"github.com/dyluth/demandhub/internal/timecontrol"
	"github.com/dyluth/demandhub/pkg/realtime"
	"github.com/redis/go-redis/v9"
)

// defaultInstance names the key space when connecting by URL without a name.
const defaultInstance = "default"

// session is everything a data command needs, wired together.
type session struct {
	cfg      *config.DemandhubConfig
	instance string
	team     string

	rt     *realtime.Client
	store  *store.Store
	cache  *cache.Cache
	feed   *changefeed.Feed
	timers *timecontrol.Controller
	local  *localstore.Store
}

func loadConfig() (*config.DemandhubConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, printer.ErrorWithContext(
			"configuration not loaded",
			err.Error(),
			map[string]string{"Path": configPath},
			[]string{"Create demandhub.yml with at least:\n  version: \"1.0\"\n  user:\n    id: <your user id>\n  team: <your team id>"},
		)
	}
	if teamFlag != "" {
		cfg.Team = teamFlag
	}
	return cfg, nil
}

// openSession loads the configuration, locates Redis and wires the store,
// cache, change feed and timer controller. Close releases all of it.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	instanceName, redisURL, err := locateRedis(ctx, cfg)
	if err != nil {
		return nil, err
	}

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	s := &session{cfg: cfg, instance: instanceName, team: cfg.Team}

	s.rt, err = realtime.NewClient(redisOpts, instanceName, realtime.WithPresenceLease(cfg.Presence.Lease))
	if err != nil {
		return nil, fmt.Errorf("failed to create realtime client: %w", err)
	}

	if err := s.rt.Ping(ctx); err != nil {
		s.rt.Close()
		return nil, printer.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s", redisURL),
			map[string]string{"Instance": instanceName},
			[]string{
				fmt.Sprintf("Check the Redis container:\n  docker logs %s", dockerpkg.RedisContainerName(instanceName)),
				fmt.Sprintf("Restart the instance:\n  demandhub down --name %s\n  demandhub up --name %s", instanceName, instanceName),
			},
		)
	}

	s.store, err = store.New(redisOpts, instanceName, s.rt)
	if err != nil {
		s.rt.Close()
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	s.cache = cache.New(cache.WithFreshFor(*cfg.Cache.FreshFor))
	board.RegisterFetchers(s.cache, s.store)

	s.feed = changefeed.New(s.rt)

	s.timers = timecontrol.New(s.store,
		timecontrol.WithInvalidator(s.cache),
		timecontrol.WithNotifier(timecontrol.NotifierFunc(func(n timecontrol.Notice) {
			printer.Toast(n.Title, n.Message)
		})),
		timecontrol.WithEventLog(eventlog.New("timecontrol", instanceName)),
	)

	if err := os.MkdirAll(filepath.Dir(cfg.LocalStore.Path), 0o755); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create local store directory: %w", err)
	}
	s.local, err = localstore.Open(cfg.LocalStore.Path)
	if err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

// openLocal opens only the local store, for commands that never touch Redis.
func openLocal() (*localstore.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LocalStore.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create local store directory: %w", err)
	}
	return localstore.Open(cfg.LocalStore.Path)
}

// locateRedis picks the Redis to talk to: an explicit URL (flag, then
// config or REDIS_URL), otherwise the named or only running local instance.
func locateRedis(ctx context.Context, cfg *config.DemandhubConfig) (string, string, error) {
	instanceName := instanceFlag
	if instanceName == "" {
		instanceName = cfg.Instance
	}

	redisURL := redisURLFlag
	if redisURL == "" {
		redisURL = cfg.RedisURL
	}
	if redisURL != "" {
		if instanceName == "" {
			instanceName = defaultInstance
		}
		return instanceName, redisURL, nil
	}

	cli, err := dockerpkg.NewClient(ctx)
	if err != nil {
		return "", "", err
	}
	defer cli.Close()

	if instanceName == "" {
		instanceName, err = instance.InferInstance(ctx, cli)
		if err != nil {
			return "", "", instanceInferenceError(err)
		}
	}

	if err := instance.VerifyInstanceRunning(ctx, cli, instanceName); err != nil {
		return "", "", printer.Error(
			fmt.Sprintf("instance '%s' is not running", instanceName),
			fmt.Sprintf("Error: %v", err),
			[]string{fmt.Sprintf("Start the instance:\n  demandhub up --name %s", instanceName)},
		)
	}

	port, err := instance.GetInstanceRedisPort(ctx, cli, instanceName)
	if err != nil {
		return "", "", printer.ErrorWithContext(
			"Redis port not found",
			fmt.Sprintf("Instance '%s' exists but Redis port label is missing.", instanceName),
			nil,
			[]string{fmt.Sprintf("Restart the instance:\n  demandhub down --name %s\n  demandhub up --name %s", instanceName, instanceName)},
		)
	}

	return instanceName, instance.GetRedisURL(port), nil
}

func instanceInferenceError(err error) error {
	switch {
	case errors.Is(err, instance.ErrNoInstances):
		return printer.Error(
			"no demandhub instances found",
			"No running instances found.",
			[]string{"Start an instance first:\n  demandhub up"},
		)
	case errors.Is(err, instance.ErrMultipleInstances):
		return printer.Error(
			"multiple instances found",
			err.Error(),
			[]string{
				"Specify which instance to use:\n  demandhub <command> --name <instance-name>",
				"List instances:\n  demandhub list",
			},
		)
	default:
		return fmt.Errorf("failed to infer instance: %w", err)
	}
}

// Close releases everything the session opened. Change-feed subscriptions
// still open at this point are reported as a warning.
func (s *session) Close() {
	if s.feed != nil {
		if err := s.feed.Close(); err != nil {
			printer.Warning("%v\n", err)
		}
	}
	if s.cache != nil {
		s.cache.Close()
	}
	if s.store != nil {
		s.store.Close()
	}
	if s.rt != nil {
		s.rt.Close()
	}
	if s.local != nil {
		s.local.Close()
	}
}

func (s *session) presenceUser() presence.User {
	return presence.User{
		ID:          s.cfg.User.ID,
		DisplayName: s.cfg.User.DisplayName,
		AvatarRef:   s.cfg.User.AvatarRef,
	}
}

// resolveID turns a short id argument into a full demand id.
func (s *session) resolveID(ctx context.Context, arg string) (string, error) {
	id, err := resolveDemandID(ctx, s.store, arg)
	if err != nil {
		return "", err
	}
	return id, nil
}
