package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/giantswarm/agentid/internal/logging"
)

// errExit is a sentinel error used to signal REPL exit
var errExit = errors.New("exit")

// REPL represents the Read-Eval-Print Loop for inspecting an agent
type REPL struct {
	client          *Client
	logger          *logging.Logger
	out             io.Writer
	rl              *readline.Instance
	stopChan        chan struct{}
	wg              sync.WaitGroup
	commandHandlers map[string]commandHandler
}

// NewREPL creates a new REPL instance
func NewREPL(client *Client, logger *logging.Logger) *REPL {
	r := &REPL{
		client:   client,
		logger:   logger,
		out:      os.Stdout,
		stopChan: make(chan struct{}),
	}
	r.commandHandlers = r.buildCommandHandlers()
	return r
}

// Run starts the REPL
func (r *REPL) Run(ctx context.Context) error {
	config := &readline.Config{
		Prompt:          replPrompt,
		HistoryFile:     filepath.Join(os.TempDir(), replHistoryFile),
		AutoComplete:    r.createCompleter(ctx),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	}

	rl, err := readline.NewEx(config)
	if err != nil {
		return fmt.Errorf("failed to create readline instance: %w", err)
	}
	defer func() { _ = rl.Close() }()
	r.rl = rl
	r.out = rl.Stdout()

	r.wg.Add(1)
	go r.updateListener(ctx)

	r.logger.Info("Agent REPL started. Type 'help' for available commands. Use TAB for completion.")
	fmt.Fprintln(r.out)

	for {
		select {
		case <-ctx.Done():
			r.stop()
			r.logger.Info("REPL shutting down...")
			return nil
		default:
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				continue
			}
		} else if err == io.EOF {
			r.stop()
			r.logger.Info("Goodbye!")
			return nil
		} else if err != nil {
			return fmt.Errorf("readline error: %w", err)
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if err := r.executeCommand(ctx, input); err != nil {
			if errors.Is(err, errExit) {
				r.stop()
				r.logger.Info("Goodbye!")
				return nil
			}
			r.logger.Error("Error: %v", err)
		}

		fmt.Fprintln(r.out)
	}
}

func (r *REPL) stop() {
	close(r.stopChan)
	r.wg.Wait()
}

// mcpNames returns the names of the cached detections for tab completion
func (r *REPL) mcpNames(ctx context.Context) []string {
	if mcps, ok := r.client.engine.Cache().Get(); ok {
		names := make([]string, len(mcps))
		for i, m := range mcps {
			names[i] = m.Name
		}
		return names
	}
	return nil
}

// buildPcItems converts a slice of strings to readline completer items
func buildPcItems(names []string) []readline.PrefixCompleterInterface {
	items := make([]readline.PrefixCompleterInterface, len(names))
	for i, name := range names {
		items[i] = readline.PcItem(name)
	}
	return items
}

// buildBaseCompleterItems creates the base command completion items
func buildBaseCompleterItems() []readline.PrefixCompleterInterface {
	return []readline.PrefixCompleterInterface{
		readline.PcItem("help"),
		readline.PcItem("?"),
		readline.PcItem("exit"),
		readline.PcItem("quit"),
		readline.PcItem("status"),
		readline.PcItem("detect", readline.PcItem("refresh")),
		readline.PcItem("metrics"),
		readline.PcItem("report"),
		readline.PcItem("declare"),
		readline.PcItem("grant"),
		readline.PcItem("verify"),
		readline.PcItem("register"),
		readline.PcItem("invalidate"),
		readline.PcItem("clear"),
		readline.PcItem("verbose",
			readline.PcItem("on"),
			readline.PcItem("off"),
		),
	}
}

// createCompleter creates the tab completion configuration
func (r *REPL) createCompleter(ctx context.Context) *readline.PrefixCompleter {
	items := buildBaseCompleterItems()
	if names := r.mcpNames(ctx); len(names) > 0 {
		items = append(items, readline.PcItem("describe", buildPcItems(names)...))
	} else {
		items = append(items, readline.PcItem("describe"))
	}
	return readline.NewPrefixCompleter(items...)
}

// filterInput filters input characters for readline
func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// updateListener prints loop results in the background
func (r *REPL) updateListener(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case u := <-r.client.Updates():
			if len(u.Added) == 0 && len(u.Removed) == 0 && u.Outcome.OK() {
				continue
			}
			if r.rl != nil {
				_, _ = r.rl.Stdout().Write([]byte("\r\033[K"))
			}

			r.printUpdate(u)

			if r.rl != nil {
				r.rl.Config.AutoComplete = r.createCompleter(ctx)
				r.rl.Refresh()
			}
		}
	}
}

// commandHandler defines a REPL command with its handler and argument requirements
type commandHandler struct {
	minArgs int
	usage   string
	handler func(ctx context.Context, parts []string) error
}

// buildCommandHandlers creates the map of command handlers
func (r *REPL) buildCommandHandlers() map[string]commandHandler {
	return map[string]commandHandler{
		"help": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.showHelp()
		}},
		"?": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.showHelp()
		}},
		"exit": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return errExit
		}},
		"quit": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return errExit
		}},
		"status": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleStatus(ctx)
		}},
		"detect": {
			minArgs: 1,
			usage:   "usage: detect [refresh]",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleDetect(ctx, len(parts) > 1 && strings.EqualFold(parts[1], "refresh"))
			},
		},
		"describe": {
			minArgs: 2,
			usage:   "usage: describe <mcp-name>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleDescribe(ctx, parts[1])
			},
		},
		"metrics": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleMetrics(ctx)
		}},
		"report": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleReport(ctx)
		}},
		"declare": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleDeclare(ctx, parts[1:])
		}},
		"grant": {
			minArgs: 2,
			usage:   "usage: grant <capability> [capability...]",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleGrant(ctx, parts[1:])
			},
		},
		"verify": {
			minArgs: 3,
			usage:   "usage: verify <action> <resource> [{json context}]",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleVerify(ctx, parts[1], parts[2], strings.Join(parts[3:], " "))
			},
		},
		"register": {
			minArgs: 2,
			usage:   "usage: register <name> [oauth-provider]",
			handler: func(ctx context.Context, parts []string) error {
				provider := ""
				if len(parts) > 2 {
					provider = parts[2]
				}
				return r.handleRegister(ctx, parts[1], provider)
			},
		},
		"invalidate": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			r.client.Invalidate()
			fmt.Fprintln(r.out, "Detection cache invalidated")
			return nil
		}},
		"clear": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.client.ClearCredentials(ctx)
		}},
		"verbose": {
			minArgs: 2,
			usage:   "usage: verbose <on|off>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleVerbose(parts[1])
			},
		},
	}
}

// executeCommand parses and executes a command
func (r *REPL) executeCommand(ctx context.Context, input string) error {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}

	command := strings.ToLower(parts[0])

	handler, exists := r.commandHandlers[command]
	if !exists {
		return fmt.Errorf("unknown command: %s. Type 'help' for available commands", command)
	}

	if len(parts) < handler.minArgs {
		return errors.New(handler.usage)
	}

	return handler.handler(ctx, parts)
}

// Exec runs a single REPL command line, writing its output to out
func (r *REPL) Exec(ctx context.Context, line string, out io.Writer) error {
	if out != nil {
		r.out = out
	}
	err := r.executeCommand(ctx, strings.TrimSpace(line))
	if errors.Is(err, errExit) {
		return nil
	}
	return err
}

// showHelp displays available commands
func (r *REPL) showHelp() error {
	fmt.Fprintln(r.out, "Available commands:")
	fmt.Fprintln(r.out, "  help, ?                        - Show this help message")
	fmt.Fprintln(r.out, "  status                         - Show identity and detection state")
	fmt.Fprintln(r.out, "  detect [refresh]               - List detected MCP servers")
	fmt.Fprintln(r.out, "  describe <mcp-name>            - Show detailed information about a detection")
	fmt.Fprintln(r.out, "  metrics                        - Show performance metrics of the last detection")
	fmt.Fprintln(r.out, "  report                         - Detect and report now")
	fmt.Fprintln(r.out, "  declare [name...]              - Declare MCP servers (detected ones if none given)")
	fmt.Fprintln(r.out, "  grant <capability...>          - Request capability grants")
	fmt.Fprintln(r.out, "  verify <action> <resource> {json} - Verify a signed action")
	fmt.Fprintln(r.out, "  register <name> [provider]     - Register this agent")
	fmt.Fprintln(r.out, "  invalidate                     - Drop the detection cache")
	fmt.Fprintln(r.out, "  clear                          - Delete stored credentials")
	fmt.Fprintln(r.out, "  verbose <on|off>               - Enable/disable verbose output")
	fmt.Fprintln(r.out, "  exit, quit                     - Exit the REPL")
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "Keyboard shortcuts:")
	fmt.Fprintln(r.out, "  TAB                            - Auto-complete commands and MCP names")
	fmt.Fprintln(r.out, "  ↑/↓ (arrow keys)               - Navigate command history")
	fmt.Fprintln(r.out, "  Ctrl+R                         - Search command history")
	fmt.Fprintln(r.out, "  Ctrl+C                         - Cancel current line")
	fmt.Fprintln(r.out, "  Ctrl+D                         - Exit REPL")
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "Examples:")
	fmt.Fprintln(r.out, "  verify read_file /etc/hosts {\"reason\": \"audit\"}")
	fmt.Fprintln(r.out, "  grant filesystem:read network:outbound")
	return nil
}

// handleVerbose enables or disables verbose output
func (r *REPL) handleVerbose(setting string) error {
	switch strings.ToLower(setting) {
	case "on":
		r.logger.SetVerbose(true)
		fmt.Fprintln(r.out, "Verbose output enabled")
	case "off":
		r.logger.SetVerbose(false)
		fmt.Fprintln(r.out, "Verbose output disabled")
	default:
		return fmt.Errorf("invalid setting: %s. Use 'on' or 'off'", setting)
	}
	return nil
}
