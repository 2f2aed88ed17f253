package cmd

import (
	"fmt"
	"github.com/Drowrin/Weeabot-sub000/weeabot"
	"github.com/stretchr/testify/assert"
	"io"
	"os"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := weeabot.Version
	originalCommitSHA := weeabot.CommitSHA
	originalBuildTime := weeabot.BuildTime

	t.Cleanup(
		func() {
			weeabot.Version = originalVersion
			weeabot.CommitSHA = originalCommitSHA
			weeabot.BuildTime = originalBuildTime
		},
	)

	weeabot.Version = "1.0.0"
	weeabot.CommitSHA = "abc123"
	weeabot.BuildTime = "2024-06-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		weeabot.Version,
		weeabot.CommitSHA,
		weeabot.BuildTime,
	)
	assert.Equal(t, expected, string(out))
}
