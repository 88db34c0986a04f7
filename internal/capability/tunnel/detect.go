// Package tunnel exposes a session's dev server through a cloudflared
// quick tunnel so the operator can preview work from their phone.
package tunnel

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DevServer is a detected development server: the command to run it on
// a port the supervisor picked, and the framework that shaped it.
type DevServer struct {
	Command   []string
	Port      int
	Framework string // next, vite, nuxt, angular, create-react-app, generic-npm
}

type packageJSON struct {
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// DetectDevServer inspects a worktree for a runnable dev server.
// Returns ok=false when the worktree has no package.json dev script.
func DetectDevServer(worktree string) (DevServer, bool) {
	data, err := os.ReadFile(filepath.Join(worktree, "package.json"))
	if err != nil {
		return DevServer{}, false
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return DevServer{}, false
	}
	devScript, ok := pkg.Scripts["dev"]
	if !ok {
		return DevServer{}, false
	}

	port, err := freePort()
	if err != nil {
		return DevServer{}, false
	}

	framework := detectFramework(pkg, devScript)
	cmd := append(packageManager(worktree), "run", "dev")
	if args := portArgs(framework, port); len(args) > 0 {
		cmd = append(cmd, "--")
		cmd = append(cmd, args...)
	}
	return DevServer{Command: cmd, Port: port, Framework: framework}, true
}

// freePort asks the OS for an available TCP port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// packageManager picks npm/yarn/pnpm from lock files.
func packageManager(worktree string) []string {
	if _, err := os.Stat(filepath.Join(worktree, "pnpm-lock.yaml")); err == nil {
		return []string{"pnpm"}
	}
	if _, err := os.Stat(filepath.Join(worktree, "yarn.lock")); err == nil {
		return []string{"yarn"}
	}
	return []string{"npm"}
}

func detectFramework(pkg packageJSON, devScript string) string {
	deps := make(map[string]struct{}, len(pkg.Dependencies)+len(pkg.DevDependencies))
	for d := range pkg.Dependencies {
		deps[d] = struct{}{}
	}
	for d := range pkg.DevDependencies {
		deps[d] = struct{}{}
	}
	has := func(name string) bool { _, ok := deps[name]; return ok }

	switch {
	case has("next"):
		return "next"
	case has("vite") || strings.Contains(devScript, "vite"):
		return "vite"
	case has("nuxt"):
		return "nuxt"
	case has("@angular/cli"):
		return "angular"
	case has("react-scripts"):
		return "create-react-app"
	default:
		return "generic-npm"
	}
}

// portArgs returns the framework-specific port override flags.
// create-react-app takes the port from the PORT env var instead.
func portArgs(framework string, port int) []string {
	switch framework {
	case "next":
		return []string{"-p", strconv.Itoa(port)}
	case "create-react-app":
		return nil
	default:
		return []string{"--port", strconv.Itoa(port)}
	}
}
