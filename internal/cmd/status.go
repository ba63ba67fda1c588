package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show health and port pool status of a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

func init() {
	statusCmd.Flags().String("addr", "", "daemon address (default from config)")
	_ = viper.BindPFlag("status.addr", statusCmd.Flags().Lookup("addr"))
	rootCmd.AddCommand(statusCmd)
}

func runStatus() error {
	addr := viper.GetString("status.addr")
	if addr == "" {
		addr = fmt.Sprintf("127.0.0.1:%d", viper.GetInt("server.port"))
	}

	client := &http.Client{Timeout: 5 * time.Second}

	health, err := fetchJSON(client, "http://"+addr+"/health")
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", addr, err)
	}
	ports, err := fetchJSON(client, "http://"+addr+"/port-status")
	if err != nil {
		return err
	}

	fmt.Printf("daemon:   %v (%v sessions)\n", health["status"], health["sessions"])
	fmt.Printf("ports:    %v-%v, %v free of %v\n",
		ports["start"], ports["end"], ports["free"], ports["total"])
	if allocated, ok := ports["allocated"].([]any); ok && len(allocated) > 0 {
		fmt.Printf("in use:   %v\n", allocated)
	}
	return nil
}

func fetchJSON(client *http.Client, url string) (map[string]any, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("malformed response from %s: %w", url, err)
	}
	return out, nil
}
