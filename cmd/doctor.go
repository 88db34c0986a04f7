package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/afk/internal/config"
	"github.com/nextlevelbuilder/afk/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("afk doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Print(" (not found, using defaults)")
	}
	fmt.Println()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  ✗ config: %v\n", err)
		return
	}
	fmt.Printf("  Data dir: %s\n", cfg.DataDir)
	fmt.Println()

	checkBinary("git", "required for session worktrees")
	checkBinary("claude", "Claude Code agent")
	checkBinary("codex", "Codex agent")
	checkBinary("cloudflared", "dev-server tunnels (/tunnel)")
	fmt.Println()

	if cfg.Telegram.Enabled() {
		fmt.Println("  ✓ telegram configured")
	} else {
		fmt.Println("  ✗ telegram not configured (AFK_TELEGRAM_BOT_TOKEN / AFK_TELEGRAM_GROUP_ID)")
	}
	if cfg.OpenAI.APIKey != "" {
		fmt.Println("  ✓ OpenAI API key set (voice + deep-research enabled)")
	} else {
		fmt.Println("  - no OpenAI API key (voice + deep-research disabled)")
	}
	fmt.Printf("  - web control plane on http://127.0.0.1:%d\n", cfg.HTTP.Port)
	fmt.Printf("  - default agent: %s\n", cfg.Agent)
}

func checkBinary(name, purpose string) {
	if path, err := exec.LookPath(name); err == nil {
		fmt.Printf("  ✓ %-12s %s\n", name, path)
	} else {
		fmt.Printf("  ✗ %-12s not found (%s)\n", name, purpose)
	}
}
