// Command relayclient is an interactive terminal client for one user's
// chat session: it connects over TLS, completes whichever of
// register/login the server's status greeting calls for, then drops into
// a command loop for exchanging messages once authenticated.
package main

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/relaychat/relay/internal/client"
	"github.com/relaychat/relay/internal/config"
	"github.com/relaychat/relay/internal/relaylog"
	"github.com/relaychat/relay/internal/store"
	"github.com/relaychat/relay/internal/wire"
)

func main() {
	cfg := config.LoadClient()

	conn, err := dial(cfg)
	if err != nil {
		log.Fatalf("relayclient: connect to %s: %v", cfg.ServerAddr, err)
	}
	defer conn.Close()

	stdin := bufio.NewReader(os.Stdin)
	fmt.Print("Enter your username: ")
	username, err := readLine(stdin)
	if err != nil {
		log.Fatalf("relayclient: read username: %v", err)
	}
	if !wire.CheckUsername(username) {
		log.Fatalf("relayclient: %q is not a valid username", username)
	}

	db, err := openUserStore(cfg, username)
	if err != nil {
		log.Fatalf("relayclient: open local store: %v", err)
	}

	logger := relaylog.New(username)
	c := client.New(username, db, conn, logger)

	loggedIn := make(chan struct{}, 1)
	go receiveLoop(conn, c, stdin, loggedIn)

	if err := c.Identify(); err != nil {
		log.Fatalf("relayclient: identify: %v", err)
	}

	<-loggedIn
	commandLoop(c, stdin)
}

func dial(cfg *config.ClientConfig) (net.Conn, error) {
	pem, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
	}
	host, _, err := net.SplitHostPort(cfg.ServerAddr)
	if err != nil {
		host = cfg.ServerAddr
	}
	return tls.Dial("tcp", cfg.ServerAddr, &tls.Config{
		RootCAs:    pool,
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	})
}

func openUserStore(cfg *config.ClientConfig, username string) (*store.Store, error) {
	dir := filepath.Join(cfg.StoreDir, username)
	dbPath := filepath.Join(dir, "database.json")
	if cfg.CipherMode {
		return store.OpenCipher(dbPath, filepath.Join(dir, "key.txt"))
	}
	return store.OpenPlain(dbPath)
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// receiveLoop reads frames off the connection for the lifetime of the
// process, dispatching each to the client for its own bookkeeping and
// additionally driving the register/login handshake itself, since
// client.Client never calls Register or Login itself in response to a
// status/register/login reply and leaves that decision to whoever holds the
// interactive password — here, this loop and its stdin prompts.
func receiveLoop(conn net.Conn, c *client.Client, stdin *bufio.Reader, loggedIn chan<- struct{}) {
	for {
		rec, err := wire.ReadFrame(conn)
		if err != nil {
			log.Printf("relayclient: connection closed: %v", err)
			os.Exit(0)
		}
		c.OnRecord(rec)

		switch rec.Kind {
		case wire.KindStatusRequest:
			handleStatusGreeting(c, rec, stdin)
		case wire.KindRegister:
			handleRegisterReply(c, rec, stdin)
		case wire.KindLogin:
			if rec.Payload["status"].Str == "success" {
				select {
				case loggedIn <- struct{}{}:
				default:
				}
			}
		}
	}
}

// handleStatusGreeting reacts to the server's post-identity status, the
// same branch point the original CLI's handle_status makes: an unknown
// username prompts for a new password and registers, a known one asks the
// user to log in.
func handleStatusGreeting(c *client.Client, rec wire.Record, stdin *bufio.Reader) {
	switch rec.Payload["status"].Str {
	case "not_registered":
		fmt.Print("This account does not exist yet. Choose a password: ")
		password, err := readLine(stdin)
		if err != nil {
			log.Printf("relayclient: read password: %v", err)
			return
		}
		if err := c.Register(password); err != nil {
			log.Printf("relayclient: register: %v", err)
		}
	case "registered":
		fmt.Print("Enter your password: ")
		password, err := readLine(stdin)
		if err != nil {
			log.Printf("relayclient: read password: %v", err)
			return
		}
		if err := c.Login(password); err != nil {
			log.Printf("relayclient: login: %v", err)
		}
	case "error":
		log.Printf("relayclient: server rejected identity: %s", rec.Payload["error"].Str)
	}
}

// handleRegisterReply completes the original CLI's register-then-login
// chain: once the server confirms registration (and client.Client has
// persisted the salt and pepper it replied with), the user is asked to
// enter the password once more and is logged in with it.
func handleRegisterReply(c *client.Client, rec wire.Record, stdin *bufio.Reader) {
	if rec.Payload["status"].Str != "success" {
		log.Printf("relayclient: registration failed: %s", rec.Payload["error"].Str)
		return
	}
	fmt.Print("Registered. Confirm your password to log in: ")
	password, err := readLine(stdin)
	if err != nil {
		log.Printf("relayclient: read password: %v", err)
		return
	}
	if err := c.Login(password); err != nil {
		log.Printf("relayclient: login: %v", err)
	}
}

// commandLoop is the interactive command vocabulary from the original
// CLI's send_messages, reachable only once a login success has been
// observed: init/msg/reset/exit.
func commandLoop(c *client.Client, stdin *bufio.Reader) {
	fmt.Println("Logged in. Commands:")
	fmt.Println("  init <target>           start a key exchange with target")
	fmt.Println("  msg <target> <text...>  send text to target")
	fmt.Println("  reset <target|server>   reset a chat, or delete your own account")
	fmt.Println("  exit                    close the connection")

	for {
		line, err := readLine(stdin)
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch strings.ToLower(fields[0]) {
		case "exit":
			return
		case "init":
			if len(fields) != 2 {
				fmt.Println("usage: init <target>")
				continue
			}
			if err := c.InitiateX3DH(fields[1]); err != nil {
				fmt.Printf("init failed: %v\n", err)
			}
		case "msg", "message", "send":
			if len(fields) < 3 {
				fmt.Println("usage: msg <target> <text...>")
				continue
			}
			text := strings.Join(fields[2:], " ")
			if err := c.SendText(fields[1], text); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
		case "reset":
			if len(fields) != 2 {
				fmt.Println("usage: reset <target|server>")
				continue
			}
			if err := c.Reset(fields[1]); err != nil {
				fmt.Printf("reset failed: %v\n", err)
			}
			if fields[1] == wire.ServerUser {
				return
			}
		default:
			fmt.Println("unrecognized command")
		}
	}
}
