package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"titan/pkg/fleeterr"
	"titan/pkg/httpx"
)

var (
	coordinatorURL string
	output         string
	timeout        time.Duration
)

// 所有子命令的入口
var rootCmd = &cobra.Command{
	Use:           "fleetctl",
	Short:         "Inspect and operate the worker fleet",
	Long:          "fleetctl talks to the coordinator control plane and to the shared storage used for VPN bootstrap.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&coordinatorURL, "coordinator", envOr("FLEET_COORDINATOR_URL", "http://localhost:8000"), "coordinator base URL")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "output format (table, json, yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// call 调用协调器，错误响应还原成分类错误
func call(method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(coordinatorURL, "/")+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fleeterr.Transient(method+" "+path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return httpx.DecodeError(method+" "+path, resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// render json/yaml 直接序列化，table 交给调用方
func render(w io.Writer, v any, table func(io.Writer)) error {
	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// 先过一遍 json，字段名与 API 保持一致
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		return yaml.NewEncoder(w).Encode(generic)
	case "table":
		table(w)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", output)
	}
}
