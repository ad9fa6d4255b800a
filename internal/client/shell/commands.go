package shell

import (
	"errors"
	"strconv"
	"strings"
)

// Prompt is printed before every command.
const Prompt = "smartmark> "

// HelpText lists the commands.
const HelpText = `Commands:
  login                 sign in with the configured provider
  logout                sign out
  list                  show your bookmarks
  add <title> <url>     add a bookmark (the last word is the url)
  delete <id>           delete a bookmark
  refresh               reload bookmarks from the server
  whoami                show the signed in identity
  help                  show this text
  exit                  quit`

// ErrUnknownCommand is returned for a command name ParseCommand does not know.
var ErrUnknownCommand = errors.New("unknown command, type 'help' for a list of commands")

// Command is one parsed input line.
type Command struct {
	Name  string
	Title string
	URL   string
	ID    int64
}

// ParseCommand parses line. An empty line yields a zero Command.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, nil
	}
	cmd := Command{Name: strings.ToLower(fields[0])}
	args := fields[1:]

	switch cmd.Name {
	case "login", "logout", "list", "refresh", "whoami", "help", "exit":
	case "quit":
		cmd.Name = "exit"
	case "add":
		if len(args) < 2 {
			return Command{}, errors.New("usage: add <title> <url>")
		}
		cmd.URL = args[len(args)-1]
		cmd.Title = strings.Join(args[:len(args)-1], " ")
	case "delete", "rm":
		cmd.Name = "delete"
		if len(args) != 1 {
			return Command{}, errors.New("usage: delete <id>")
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return Command{}, errors.New("usage: delete <id>, id must be a positive number")
		}
		cmd.ID = id
	default:
		return Command{}, ErrUnknownCommand
	}
	return cmd, nil
}
