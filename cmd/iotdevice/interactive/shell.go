// Package interactive provides the command shell of iotdevice.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/iotvault/iotvault-go/pkg/client"
)

// ErrInterrupted is returned by PromptCode when the user presses Ctrl-C or
// closes the input.
var ErrInterrupted = errors.New("interrupted")

// Client is the part of client.Driver used by the shell.
type Client interface {
	UserID() string
	DeviceID() uint32
	Create(ctx context.Context, domain, password string) error
	Add(ctx context.Context, user, domain, password string) error
	RegisterDevice(ctx context.Context, domain string) error
	MyDomains(ctx context.Context) ([]string, error)
	DomainKeys(ctx context.Context) (map[string][]byte, error)
	SendTemperature(ctx context.Context, v float32) ([]string, error)
	SendImage(ctx context.Context, image []byte) ([]string, error)
	ReadTemperatures(ctx context.Context, domain string) (map[string]float32, error)
	ReadImage(ctx context.Context, device string) ([]byte, error)
}

// Config configures a Shell.
type Config struct {
	// OutputDir receives the files written by RT and RI. Empty means the
	// working directory.
	OutputDir string
}

// Shell reads commands from the terminal and runs them against a Client.
type Shell struct {
	client Client
	rl     *readline.Instance
	out    io.Writer
	dir    string
	now    func() time.Time
}

// New creates a shell on the terminal.
func New(c Client, cfg Config) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "iot> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	s := newShell(c, rl.Stdout(), cfg)
	s.rl = rl
	return s, nil
}

func newShell(c Client, out io.Writer, cfg Config) *Shell {
	return &Shell{
		client: c,
		out:    out,
		dir:    cfg.OutputDir,
		now:    time.Now,
	}
}

// Stdout returns a writer that does not garble the prompt. Use it for log
// output while the shell runs.
func (s *Shell) Stdout() io.Writer {
	return s.out
}

// PromptCode asks for the one-time code. It satisfies client.CodePrompt.
func (s *Shell) PromptCode(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.rl.SetPrompt("one-time code: ")
	defer s.rl.SetPrompt(s.prompt())

	line, err := s.rl.Readline()
	if err != nil {
		return "", ErrInterrupted
	}
	return strings.TrimSpace(line), nil
}

func (s *Shell) prompt() string {
	return fmt.Sprintf("%s:%d> ", s.client.UserID(), s.client.DeviceID())
}

// Run reads and executes commands until EXIT, end of input or ctx is done.
func (s *Shell) Run(ctx context.Context) {
	defer s.rl.Close()

	s.rl.SetPrompt(s.prompt())
	s.printHelp()

	for ctx.Err() == nil {
		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.out, "Exiting...")
			return
		}
		if !s.Execute(ctx, line) {
			return
		}
	}
}

// Execute runs one command line. It returns false when the shell should
// exit.
func (s *Shell) Execute(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	cmd := strings.ToUpper(fields[0])
	args := fields[1:]

	switch cmd {
	case "CREATE":
		s.cmdCreate(ctx, args)
	case "ADD":
		s.cmdAdd(ctx, args)
	case "RD":
		s.cmdRegister(ctx, args)
	case "ET":
		s.cmdSendTemperature(ctx, args)
	case "EI":
		s.cmdSendImage(ctx, args)
	case "RT":
		s.cmdReadTemperatures(ctx, args)
	case "RI":
		s.cmdReadImage(ctx, args)
	case "MYDOMAINS", "MD":
		s.cmdMyDomains(ctx)
	case "KEYS":
		s.cmdKeys(ctx)
	case "HELP", "?":
		s.printHelp()
	case "EXIT", "QUIT", "Q":
		fmt.Fprintln(s.out, "Exiting...")
		return false
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type HELP for commands)\n", fields[0])
	}
	return true
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `
Commands:
  CREATE <dm> <password>       - Create a domain protected by password
  ADD <user> <dm> <password>   - Add a user to a domain you own
  RD <dm>                      - Register this device in a domain
  ET <float>                   - Publish a temperature
  EI <file.jpg>                - Publish an image
  RT <dm>                      - Fetch the temperatures of a domain
  RI <user>:<dev>              - Fetch the image of a device
  MYDOMAINS                    - List the domains of this device
  KEYS                         - List the domain keys of this device
  HELP                         - Show this help
  EXIT                         - Quit`)
}

func (s *Shell) usage(n int, args []string, syntax string) bool {
	if len(args) != n {
		fmt.Fprintf(s.out, "Usage: %s\n", syntax)
		return false
	}
	return true
}

func (s *Shell) fail(err error) {
	fmt.Fprintf(s.out, "Error: %s\n", describe(err))
}

func (s *Shell) cmdCreate(ctx context.Context, args []string) {
	if !s.usage(2, args, "CREATE <dm> <password>") {
		return
	}
	if err := s.client.Create(ctx, args[0], args[1]); err != nil {
		s.fail(err)
		return
	}
	fmt.Fprintf(s.out, "Domain %s created.\n", args[0])
}

func (s *Shell) cmdAdd(ctx context.Context, args []string) {
	if !s.usage(3, args, "ADD <user> <dm> <password>") {
		return
	}
	user, domain := args[0], args[1]
	err := s.client.Add(ctx, user, domain, args[2])
	switch {
	case err == nil:
		fmt.Fprintf(s.out, "User %s added to domain %s.\n", user, domain)
	case errors.Is(err, client.ErrNoPermission):
		fmt.Fprintf(s.out, "Error: you are not the owner of domain %s\n", domain)
	case errors.Is(err, client.ErrAlreadyRegistered):
		fmt.Fprintf(s.out, "Error: user %s already belongs to domain %s\n", user, domain)
	default:
		s.fail(err)
	}
}

func (s *Shell) cmdRegister(ctx context.Context, args []string) {
	if !s.usage(1, args, "RD <dm>") {
		return
	}
	domain := args[0]
	err := s.client.RegisterDevice(ctx, domain)
	switch {
	case err == nil:
		fmt.Fprintf(s.out, "Device registered in domain %s.\n", domain)
	case errors.Is(err, client.ErrNoPermission):
		fmt.Fprintf(s.out, "Error: you are not a member of domain %s\n", domain)
	case errors.Is(err, client.ErrAlreadyRegistered):
		fmt.Fprintf(s.out, "Error: the device is already registered in domain %s\n", domain)
	default:
		s.fail(err)
	}
}

func (s *Shell) cmdSendTemperature(ctx context.Context, args []string) {
	if !s.usage(1, args, "ET <float>") {
		return
	}
	v, err := strconv.ParseFloat(args[0], 32)
	if err != nil {
		fmt.Fprintln(s.out, "Error: the temperature must be a number")
		return
	}
	domains, err := s.client.SendTemperature(ctx, float32(v))
	if err != nil {
		s.fail(err)
		return
	}
	fmt.Fprintf(s.out, "Temperature %g published to %s.\n", float32(v), listDomains(domains))
}

func (s *Shell) cmdSendImage(ctx context.Context, args []string) {
	if !s.usage(1, args, "EI <file.jpg>") {
		return
	}
	image, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(s.out, "Error: cannot read image: %v\n", err)
		return
	}
	domains, err := s.client.SendImage(ctx, image)
	if err != nil {
		s.fail(err)
		return
	}
	fmt.Fprintf(s.out, "Image published to %s.\n", listDomains(domains))
}

func (s *Shell) cmdReadTemperatures(ctx context.Context, args []string) {
	if !s.usage(1, args, "RT <dm>") {
		return
	}
	domain := args[0]
	temps, err := s.client.ReadTemperatures(ctx, domain)
	if err != nil {
		s.fail(err)
		return
	}

	devices := make([]string, 0, len(temps))
	for d := range temps {
		devices = append(devices, d)
	}
	sort.Strings(devices)

	var b strings.Builder
	for _, d := range devices {
		fmt.Fprintf(&b, "%s %g\n", d, temps[d])
	}

	name := fmt.Sprintf("rt-%s-%d.txt", domain, s.now().UnixNano())
	if err := s.write(name, []byte(b.String())); err != nil {
		return
	}
	fmt.Fprintf(s.out, "%d temperatures written to %s\n", len(devices), name)
}

func (s *Shell) cmdReadImage(ctx context.Context, args []string) {
	if !s.usage(1, args, "RI <user>:<dev>") {
		return
	}
	user, dev, ok := strings.Cut(args[0], ":")
	if !ok || user == "" || dev == "" {
		fmt.Fprintln(s.out, "Error: the device must be given as <user>:<dev>")
		return
	}
	image, err := s.client.ReadImage(ctx, args[0])
	if err != nil {
		s.fail(err)
		return
	}
	name := fmt.Sprintf("ri-%s_%s-%d.jpg", user, dev, s.now().UnixNano())
	if err := s.write(name, image); err != nil {
		return
	}
	fmt.Fprintf(s.out, "Image written to %s\n", name)
}

func (s *Shell) cmdMyDomains(ctx context.Context) {
	domains, err := s.client.MyDomains(ctx)
	if err != nil {
		s.fail(err)
		return
	}
	if len(domains) == 0 {
		fmt.Fprintln(s.out, "The device is not registered in any domain.")
		return
	}
	for _, d := range domains {
		fmt.Fprintf(s.out, "  %s\n", d)
	}
}

func (s *Shell) cmdKeys(ctx context.Context) {
	keys, err := s.client.DomainKeys(ctx)
	if err != nil {
		s.fail(err)
		return
	}
	if len(keys) == 0 {
		fmt.Fprintln(s.out, "No domain keys.")
		return
	}
	domains := make([]string, 0, len(keys))
	for d := range keys {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	for _, d := range domains {
		fmt.Fprintf(s.out, "  %-20s %d-byte key\n", d, len(keys[d]))
	}
}

func (s *Shell) write(name string, data []byte) error {
	err := os.WriteFile(filepath.Join(s.dir, name), data, 0o600)
	if err != nil {
		fmt.Fprintf(s.out, "Error: cannot write %s: %v\n", name, err)
	}
	return err
}

func listDomains(domains []string) string {
	switch len(domains) {
	case 0:
		return "no domains"
	case 1:
		return "domain " + domains[0]
	}
	return "domains " + strings.Join(domains, ", ")
}

// describe turns a driver error into a message for the terminal. Status
// errors print their sentinel text without the wire details.
func describe(err error) string {
	var se *client.StatusError
	if errors.As(err, &se) {
		return se.Unwrap().Error()
	}
	var pe *client.ProtocolError
	if errors.As(err, &pe) {
		return "the server refused the request: " + pe.Reason
	}
	switch {
	case errors.Is(err, client.ErrNotAuthenticated):
		return "not authenticated"
	case errors.Is(err, client.ErrUnknownRecipient):
		return "that user's certificate is not in the trust store"
	case errors.Is(err, context.DeadlineExceeded):
		return "the server did not answer in time"
	}
	return err.Error()
}
