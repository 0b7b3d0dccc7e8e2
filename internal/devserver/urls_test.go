package devserver

import "testing"

func TestDetectURLMatchesCommonBanners(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		line string
		want string
	}{
		{
			name: "vite local line",
			line: "  ➜  Local:   http://localhost:5173/",
			want: "http://localhost:5173/",
		},
		{
			name: "next ready line",
			line: "ready on http://localhost:3000",
			want: "http://localhost:3000",
		},
		{
			name: "bare https url",
			line: "serving https://127.0.0.1:8443/app",
			want: "https://127.0.0.1:8443/app",
		},
		{
			name: "ansi wrapped vite banner",
			line: "\x1b[32m  ➜  Local:\x1b[0m   \x1b[36mhttp://localhost:5173/\x1b[0m",
			want: "http://localhost:5173/",
		},
		{
			name: "labeled url without port",
			line: "Listening on http://localhost",
			want: "http://localhost",
		},
		{
			name: "server running at",
			line: "Server running at http://0.0.0.0:4000",
			want: "http://0.0.0.0:4000",
		},
		{
			name: "running at with trailing period",
			line: "App running at http://localhost:9000.",
			want: "http://localhost:9000",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := DetectURL(tc.line)
			if !ok {
				t.Fatalf("DetectURL(%q) found nothing", tc.line)
			}
			if got != tc.want {
				t.Fatalf("DetectURL(%q) = %q, want %q", tc.line, got, tc.want)
			}
		})
	}
}

func TestDetectURLPrefersExplicitHostPort(t *testing.T) {
	t.Parallel()

	line := "Local: http://app.internal ready on http://0.0.0.0:4000"
	got, ok := DetectURL(line)
	if !ok {
		t.Fatal("expected a match")
	}
	if got != "http://0.0.0.0:4000" {
		t.Fatalf("got %q, want the host:port form", got)
	}
}

func TestDetectURLIgnoresPlainOutput(t *testing.T) {
	t.Parallel()

	for _, line := range []string{
		"",
		"compiled successfully in 831 ms",
		"watching for file changes",
		"GET /health 200 12ms",
		"port 3000 is busy",
	} {
		if url, ok := DetectURL(line); ok {
			t.Fatalf("DetectURL(%q) unexpectedly matched %q", line, url)
		}
	}
}
