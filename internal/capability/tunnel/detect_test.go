package tunnel

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func writePackageJSON(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDetectDevServer(t *testing.T) {
	t.Run("no package.json", func(t *testing.T) {
		if _, ok := DetectDevServer(t.TempDir()); ok {
			t.Error("detected server in empty dir")
		}
	})

	t.Run("no dev script", func(t *testing.T) {
		dir := t.TempDir()
		writePackageJSON(t, dir, `{"scripts":{"build":"tsc"}}`)
		if _, ok := DetectDevServer(dir); ok {
			t.Error("detected server without dev script")
		}
	})

	t.Run("next app gets -p flag", func(t *testing.T) {
		dir := t.TempDir()
		writePackageJSON(t, dir, `{"scripts":{"dev":"next dev"},"dependencies":{"next":"14.0.0"}}`)

		srv, ok := DetectDevServer(dir)
		if !ok {
			t.Fatal("not detected")
		}
		if srv.Framework != "next" || srv.Port == 0 {
			t.Errorf("srv = %+v", srv)
		}
		cmd := strings.Join(srv.Command, " ")
		if cmd != "npm run dev -- -p "+strconv.Itoa(srv.Port) {
			t.Errorf("command = %q", cmd)
		}
	})

	t.Run("vite via dev dependency", func(t *testing.T) {
		dir := t.TempDir()
		writePackageJSON(t, dir, `{"scripts":{"dev":"vite"},"devDependencies":{"vite":"5.0.0"}}`)

		srv, ok := DetectDevServer(dir)
		if !ok || srv.Framework != "vite" {
			t.Fatalf("srv = %+v, ok=%v", srv, ok)
		}
		if !strings.Contains(strings.Join(srv.Command, " "), "--port") {
			t.Errorf("command = %v", srv.Command)
		}
	})

	t.Run("create-react-app has no port flag", func(t *testing.T) {
		dir := t.TempDir()
		writePackageJSON(t, dir, `{"scripts":{"dev":"react-scripts start"},"dependencies":{"react-scripts":"5.0.0"}}`)

		srv, ok := DetectDevServer(dir)
		if !ok || srv.Framework != "create-react-app" {
			t.Fatalf("srv = %+v, ok=%v", srv, ok)
		}
		if strings.Contains(strings.Join(srv.Command, " "), "--") {
			t.Errorf("command = %v, want no port args", srv.Command)
		}
	})

	t.Run("unknown stack is generic", func(t *testing.T) {
		dir := t.TempDir()
		writePackageJSON(t, dir, `{"scripts":{"dev":"node server.js"}}`)
		srv, ok := DetectDevServer(dir)
		if !ok || srv.Framework != "generic-npm" {
			t.Errorf("srv = %+v, ok=%v", srv, ok)
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		dir := t.TempDir()
		writePackageJSON(t, dir, `{not json`)
		if _, ok := DetectDevServer(dir); ok {
			t.Error("detected server from malformed package.json")
		}
	})
}

func TestPackageManager(t *testing.T) {
	dir := t.TempDir()
	if got := packageManager(dir); got[0] != "npm" {
		t.Errorf("default = %v", got)
	}

	if err := os.WriteFile(filepath.Join(dir, "yarn.lock"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if got := packageManager(dir); got[0] != "yarn" {
		t.Errorf("with yarn.lock = %v", got)
	}

	// pnpm wins over yarn when both lock files exist.
	if err := os.WriteFile(filepath.Join(dir, "pnpm-lock.yaml"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if got := packageManager(dir); got[0] != "pnpm" {
		t.Errorf("with pnpm-lock.yaml = %v", got)
	}
}

func TestFreePort(t *testing.T) {
	port, err := freePort()
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	if port <= 0 || port > 65535 {
		t.Errorf("port = %d", port)
	}
}
