package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/caravelhq/caravel/pkg/types"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a deployment",
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := jobFromFlags(cmd)
		if err != nil {
			return err
		}

		body, err := json.Marshal(job)
		if err != nil {
			return err
		}
		resp, err := http.Post(serverURL(cmd)+"/v1/deployments", "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to reach server: %w", err)
		}
		defer resp.Body.Close()

		var result map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		if resp.StatusCode != http.StatusAccepted {
			return fmt.Errorf("submission rejected: %s", result["error"])
		}

		fmt.Printf("Deployment submitted: %s\n", result["deployment_id"])
		if watch, _ := cmd.Flags().GetBool("watch"); watch {
			return streamEvents(cmd, result["deployment_id"])
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status DEPLOYMENT_ID",
	Short: "Show a deployment's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(serverURL(cmd) + "/v1/deployments/" + args[0])
		if err != nil {
			return fmt.Errorf("failed to reach server: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("deployment %s not found", args[0])
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("server error: %s", strings.TrimSpace(string(body)))
		}

		var rec types.DeploymentRecord
		if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
			return fmt.Errorf("failed to decode record: %w", err)
		}

		fmt.Printf("Deployment: %s\n", rec.DeploymentID)
		fmt.Printf("  Repository:  %s\n", rec.Repository)
		fmt.Printf("  Instance:    %s\n", rec.InstanceID)
		fmt.Printf("  Environment: %s\n", rec.Environment)
		fmt.Printf("  Strategy:    %s\n", rec.Strategy)
		fmt.Printf("  Status:      %s\n", rec.Status)
		if rec.CurrentImageTag != "" {
			fmt.Printf("  Image:       %s\n", rec.CurrentImageTag)
		}
		if rec.FailureReason != "" {
			fmt.Printf("  Failure:     %s\n", rec.FailureReason)
		}
		if rec.RollbackReason != "" {
			fmt.Printf("  Rollback:    %s\n", rec.RollbackReason)
		}
		if !rec.CompletedAt.IsZero() {
			fmt.Printf("  Duration:    %s\n", rec.CompletedAt.Sub(rec.StartedAt).Round(time.Second))
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch DEPLOYMENT_ID",
	Short: "Stream a deployment's events until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return streamEvents(cmd, args[0])
	},
}

func init() {
	submitCmd.Flags().String("repo", "", "Repository as owner/name")
	submitCmd.Flags().String("ref", "main", "Git ref to deploy")
	submitCmd.Flags().String("instance", "", "Target instance id")
	submitCmd.Flags().String("env", "staging", "Environment (production|staging|preview)")
	submitCmd.Flags().String("strategy", "rolling", "Rollout strategy (rolling|canary)")
	submitCmd.Flags().Int("port", 8080, "Application port")
	submitCmd.Flags().String("health-path", "/healthz", "Health endpoint path")
	submitCmd.Flags().StringArray("env-var", nil, "Environment variable KEY=VALUE (repeatable)")
	submitCmd.Flags().StringArray("secret", nil, "Secret environment variable KEY=VALUE (repeatable)")
	submitCmd.Flags().Int("priority", 0, "Queue priority band")
	submitCmd.Flags().Bool("watch", false, "Stream events after submission")
	_ = submitCmd.MarkFlagRequired("repo")
	_ = submitCmd.MarkFlagRequired("instance")
}

func serverURL(cmd *cobra.Command) string {
	addr, _ := cmd.Flags().GetString("server")
	return strings.TrimRight(addr, "/")
}

func jobFromFlags(cmd *cobra.Command) (*types.DeploymentJob, error) {
	repo, _ := cmd.Flags().GetString("repo")
	ref, _ := cmd.Flags().GetString("ref")
	instance, _ := cmd.Flags().GetString("instance")
	env, _ := cmd.Flags().GetString("env")
	strategy, _ := cmd.Flags().GetString("strategy")
	port, _ := cmd.Flags().GetInt("port")
	healthPath, _ := cmd.Flags().GetString("health-path")
	priority, _ := cmd.Flags().GetInt("priority")

	job := &types.DeploymentJob{
		Repository:  repo,
		Ref:         ref,
		InstanceID:  instance,
		Environment: types.Environment(env),
		Strategy:    types.Strategy(strategy),
		Port:        port,
		HealthPath:  healthPath,
		Priority:    priority,
		TriggeredBy: types.TriggerCLI,
	}

	plain, _ := cmd.Flags().GetStringArray("env-var")
	secret, _ := cmd.Flags().GetStringArray("secret")
	for _, kv := range plain {
		ev, err := parseEnvVar(kv, false)
		if err != nil {
			return nil, err
		}
		job.EnvVars = append(job.EnvVars, ev)
	}
	for _, kv := range secret {
		ev, err := parseEnvVar(kv, true)
		if err != nil {
			return nil, err
		}
		job.EnvVars = append(job.EnvVars, ev)
	}
	return job, nil
}

func parseEnvVar(kv string, secret bool) (types.EnvVar, error) {
	key, value, ok := strings.Cut(kv, "=")
	if !ok || key == "" {
		return types.EnvVar{}, fmt.Errorf("invalid env var %q, want KEY=VALUE", kv)
	}
	return types.EnvVar{Key: key, Value: value, Secret: secret}, nil
}

// streamEvents follows the SSE feed and renders one line per event
func streamEvents(cmd *cobra.Command, deploymentID string) error {
	resp, err := http.Get(serverURL(cmd) + "/v1/deployments/" + deploymentID + "/events")
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev types.DeploymentEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		printEvent(&ev)
	}
	return scanner.Err()
}

func printEvent(ev *types.DeploymentEvent) {
	ts := ev.Timestamp.Format("15:04:05")
	switch ev.Type {
	case types.EventSnapshot:
		if ev.Snapshot != nil {
			fmt.Printf("%s  status %s\n", ts, ev.Snapshot.Record.Status)
		}
	case types.EventStatusChanged:
		if ev.Status != nil {
			fmt.Printf("%s  %s -> %s", ts, ev.Status.From, ev.Status.To)
			if ev.Status.Reason != "" {
				fmt.Printf("  (%s)", ev.Status.Reason)
			}
			fmt.Println()
		}
	case types.EventPhaseStarted:
		fmt.Printf("%s  phase %s started\n", ts, ev.Phase.Phase)
	case types.EventPhaseCompleted:
		fmt.Printf("%s  phase %s completed\n", ts, ev.Phase.Phase)
	case types.EventPhaseFailed:
		fmt.Printf("%s  phase %s failed: %s\n", ts, ev.Phase.Phase, ev.Phase.Detail)
	case types.EventPhaseProgress:
		fmt.Printf("%s  %s\n", ts, ev.Phase.Detail)
	case types.EventHealthSampled:
		if ev.Health != nil {
			state := "unhealthy"
			if ev.Health.Healthy {
				state = "healthy"
			}
			fmt.Printf("%s  probe %d: %s (%d, %s)\n", ts, ev.Health.Attempt, state,
				ev.Health.StatusCode, ev.Health.Latency.Round(time.Millisecond))
		}
	case types.EventRollbackStarted:
		if ev.Rollback != nil {
			fmt.Printf("%s  rolling back: %s\n", ts, ev.Rollback.Reason)
		}
	case types.EventLogLine:
		if ev.Log != nil {
			fmt.Printf("%s  | %s\n", ts, ev.Log.Line)
		}
	}
}
