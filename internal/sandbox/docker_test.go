package sandbox

import (
	"slices"
	"strings"
	"testing"
)

func TestContainerNameDeterministic(t *testing.T) {
	cfg := DefaultConfig()

	a := cfg.ContainerName("env-abc123")
	b := cfg.ContainerName("env-abc123")
	if a != b {
		t.Errorf("same env produced different names: %s vs %s", a, b)
	}
	if a == cfg.ContainerName("env-other") {
		t.Error("different envs collided on container name")
	}
	if !strings.HasPrefix(a, "sandpad-env-") {
		t.Errorf("name %q missing default prefix", a)
	}
}

func TestSanitizeKey(t *testing.T) {
	cases := []struct{ in, want string }{
		{"simple", "simple"},
		{"a:b/c d.e", "a-b-c-d-e"},
		{strings.Repeat("x", 80), strings.Repeat("x", 50)},
	}
	for _, tc := range cases {
		if got := sanitizeKey(tc.in); got != tc.want {
			t.Errorf("sanitizeKey(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBuildRunArgsHardening(t *testing.T) {
	cfg := DefaultConfig()
	args := buildRunArgs(cfg, "sandpad-env-test", "/tmp/work", []string{"python3", "-u"}, "main.py")

	wantPairs := [][2]string{
		{"--name", "sandpad-env-test"},
		{"--memory", "256m"},
		{"--cpus", "0.5"},
		{"--pids-limit", "64"},
		{"--network", "none"},
		{"--cap-drop", "ALL"},
		{"--tmpfs", "/tmp"},
		{"-w", "/workspace"},
		{"-v", "/tmp/work:/workspace:rw"},
	}
	for _, p := range wantPairs {
		i := slices.Index(args, p[0])
		if i < 0 || i+1 >= len(args) || args[i+1] != p[1] {
			t.Errorf("args missing %s %s: %v", p[0], p[1], args)
		}
	}
	for _, flag := range []string{"--rm", "--read-only", "-i", "-t"} {
		if !slices.Contains(args, flag) {
			t.Errorf("args missing %s: %v", flag, args)
		}
	}

	// Image, then interpreter, then the entry file, in that order.
	tail := args[len(args)-4:]
	want := []string{cfg.Image, "python3", "-u", "main.py"}
	if !slices.Equal(tail, want) {
		t.Errorf("args tail = %v, want %v", tail, want)
	}
}

func TestBuildRunArgsNetworkEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NetworkEnabled = true
	args := buildRunArgs(cfg, "n", "/w", []string{"python3"}, "main.py")

	if slices.Contains(args, "none") {
		t.Errorf("network disabled despite NetworkEnabled: %v", args)
	}
}

func TestBuildRunArgsUser(t *testing.T) {
	cfg := DefaultConfig()
	cfg.User = "1000:1000"
	args := buildRunArgs(cfg, "n", "/w", []string{"python3"}, "main.py")

	i := slices.Index(args, "--user")
	if i < 0 || args[i+1] != "1000:1000" {
		t.Errorf("args missing --user 1000:1000: %v", args)
	}
}
