package cli

import "testing"

func TestParseCommand(t *testing.T) {
	t.Run("name and args", func(t *testing.T) {
		cmd, err := ParseCommand("/send hello there")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cmd.Name != "send" || len(cmd.Args) != 2 || cmd.Args[0] != "hello" {
			t.Fatalf("unexpected parse: %+v", cmd)
		}
	})

	t.Run("surrounding whitespace is trimmed", func(t *testing.T) {
		cmd, err := ParseCommand("  /chats  ")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cmd.Name != "chats" || len(cmd.Args) != 0 {
			t.Fatalf("unexpected parse: %+v", cmd)
		}
	})

	t.Run("rejects missing slash", func(t *testing.T) {
		if _, err := ParseCommand("chats"); err == nil {
			t.Fatal("expected error for missing slash")
		}
	})

	t.Run("rejects empty input", func(t *testing.T) {
		if _, err := ParseCommand("   "); err == nil {
			t.Fatal("expected error for empty input")
		}
	})
}
