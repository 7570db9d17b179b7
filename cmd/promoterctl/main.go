// promoterctl is the one-shot rollout job: it submits a single promote or
// rollback command and exits. It can deliver the command over the message
// channel (for the registry consumer loop) or call the admin API directly
// with a short-lived service token when the caller needs the result of the
// transition before exiting.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/AJDIGITALllc/worksie/shared/config"
)

type options struct {
	registryURL string
	redisAddr   string
	channel     string
	viaChannel  bool
	requestedBy string
	notes       string
	timeout     time.Duration
}

func main() {
	opts := &options{}

	root := &cobra.Command{
		Use:           "promoterctl",
		Short:         "Submit a model rollout command to the registry",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.registryURL, "registry-url",
		config.Get("REGISTRY_API_URL", "http://localhost:8090"), "registry service base URL")
	root.PersistentFlags().StringVar(&opts.redisAddr, "redis-addr",
		config.Get("REDIS_ADDR", "localhost:6379"), "redis address for channel delivery")
	root.PersistentFlags().StringVar(&opts.channel, "channel",
		config.Get("COMMAND_CHANNEL", "worksie:commands"), "command channel name")
	root.PersistentFlags().BoolVar(&opts.viaChannel, "via-channel", false,
		"publish to the command channel instead of calling the admin API")
	root.PersistentFlags().StringVar(&opts.requestedBy, "requested-by", "", "actor recorded on the audit trail (required)")
	root.PersistentFlags().StringVar(&opts.notes, "notes", "", "free-form notes attached to the transition")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall command timeout")

	var ratio float64
	promote := &cobra.Command{
		Use:   "promote <model-id>",
		Short: "Promote a model version to active with a canary ratio",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{
				"id":           uuid.New().String(),
				"action":       "promote",
				"modelId":      args[0],
				"rolloutRatio": ratio,
				"requestedBy":  opts.requestedBy,
			}
			if opts.notes != "" {
				payload["notes"] = opts.notes
			}
			return submit(cmd.Context(), opts, payload, "/v1/admin/models/promote", map[string]any{
				"modelId":      args[0],
				"rolloutRatio": ratio,
				"notes":        opts.notes,
				"trigger":      "job",
			})
		},
	}
	promote.Flags().Float64Var(&ratio, "ratio", 0.10, "canary rollout ratio in [0,1]")

	var toModelID string
	rollback := &cobra.Command{
		Use:   "rollback",
		Short: "Roll back to the previous (or a named) model version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{
				"id":          uuid.New().String(),
				"action":      "rollback",
				"requestedBy": opts.requestedBy,
			}
			if toModelID != "" {
				payload["toModelId"] = toModelID
			}
			return submit(cmd.Context(), opts, payload, "/v1/admin/models/rollback", map[string]any{
				"toModelId": toModelID,
				"trigger":   "job",
			})
		},
	}
	rollback.Flags().StringVar(&toModelID, "to", "", "explicit rollback target (default: recorded predecessor)")

	root.AddCommand(promote, rollback)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func submit(ctx context.Context, opts *options, channelPayload map[string]any, apiPath string, apiBody map[string]any) error {
	if opts.requestedBy == "" {
		return fmt.Errorf("--requested-by is required")
	}
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	if opts.viaChannel {
		return publish(ctx, opts, channelPayload)
	}
	return callAPI(ctx, opts, apiPath, apiBody)
}

func publish(ctx context.Context, opts *options, payload map[string]any) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.redisAddr,
		Password: config.Get("REDIS_PASSWORD", ""),
	})
	defer rdb.Close()

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := rdb.Publish(ctx, opts.channel, data).Err(); err != nil {
		return fmt.Errorf("publish command: %w", err)
	}
	fmt.Printf("Command %s published to %s\n", payload["id"], opts.channel)
	return nil
}

func callAPI(ctx context.Context, opts *options, path string, body map[string]any) error {
	secret := config.Get("WORKSIE_JWT_SECRET", "")
	if secret == "" {
		return fmt.Errorf("WORKSIE_JWT_SECRET must be set for direct API calls")
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":     opts.requestedBy,
		"isAdmin": true,
		"iat":     time.Now().Unix(),
		"exp":     time.Now().Add(2 * time.Minute).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.registryURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("call registry: %w", err)
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("registry returned %d: %s", resp.StatusCode, bytes.TrimSpace(out))
	}
	fmt.Println(string(bytes.TrimSpace(out)))
	return nil
}
