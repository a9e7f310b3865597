package commands

import (
	"context"
	"fmt"
	"time"

	dockerpkg "github.com/dyluth/demandhub/internal/docker"
	"github.com/dyluth/demandhub/internal/config"
	"github.com/dyluth/demandhub/internal/instance"
	"github.com/dyluth/demandhub/internal/printer"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start a local demandhub instance",
	Long: `Start a Redis container for a local demandhub instance.

The instance name is auto-generated (default-N) unless specified with --name.
The Redis image comes from services.redis.image in demandhub.yml when present.`,
	RunE: runUp,
}

func init() {
	rootCmd.AddCommand(upCmd)
}

func runUp(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	image := config.DefaultRedisImage
	if cfg, err := config.Load(configPath); err == nil {
		image = cfg.Services.Redis.Image
	}

	cli, err := dockerpkg.NewClient(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()

	name := instanceFlag
	if name == "" {
		name, err = instance.GenerateDefaultName(ctx, cli)
		if err != nil {
			return fmt.Errorf("failed to generate instance name: %w", err)
		}
	}

	if err := instance.ValidateName(name); err != nil {
		return err
	}

	taken, err := instance.CheckNameCollision(ctx, cli, name)
	if err != nil {
		return err
	}
	if taken {
		return printer.Error(
			fmt.Sprintf("instance '%s' already exists", name),
			"Found existing containers with this instance name.",
			[]string{
				fmt.Sprintf("Stop the existing instance: demandhub down --name %s", name),
				"Choose a different name: demandhub up --name other-name",
			},
		)
	}

	port, err := instance.StartRedis(ctx, cli, name, image)
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	printer.Step("Started Redis container %s (port %d)\n", dockerpkg.RedisContainerName(name), port)

	redisURL := instance.GetRedisURL(port)
	if err := waitForRedis(ctx, redisURL, 10*time.Second); err != nil {
		printer.Warning("Redis did not answer yet: %v\n", err)
	}

	printer.Success("\nInstance '%s' started successfully\n\n", name)
	printer.Printf("Redis: %s\n", redisURL)
	printer.Printf("\nNext:\n  demandhub demand create --title \"First demand\"\n  demandhub watch\n")
	return nil
}

func waitForRedis(ctx context.Context, redisURL string, timeout time.Duration) error {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		if err = rdb.Ping(ctx).Err(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-ticker.C:
		}
	}
}
