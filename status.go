package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"voxbridge/relay"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the health of a running bridge",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().String("addr", "", "Bridge address to query (defaults to listen_addr)")
	viper.BindPFlag("status_addr", statusCmd.Flags().Lookup("addr"))
}

var titleStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("63")).
	MarginBottom(1)

func runStatus(cmd *cobra.Command, args []string) {
	addr := viper.GetString("status_addr")
	if addr == "" {
		addr = viper.GetString("listen_addr")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/healthz", addr))
	if err != nil {
		logger.Fatal("query bridge health", "addr", addr, "error", err)
	}
	defer resp.Body.Close()

	var status relay.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		logger.Fatal("decode health response", "error", err)
	}

	fmt.Println(titleStyle.Render("voxbridge @ " + addr))

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Control Connected", "Active Sessions"})
	table.Append([]string{
		fmt.Sprintf("%t", status.Connected),
		fmt.Sprintf("%d", status.Sessions),
	})
	table.Render()
}
