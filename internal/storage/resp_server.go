package storage

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/redcon"
)

const sweepInterval = time.Second

// RESPServer exposes a MemoryStore over the Redis protocol so that a
// development cluster can run without an external Redis. It implements the
// subset of commands RedisStore issues.
type RESPServer struct {
	addr     string
	store    *MemoryStore
	log      logrus.FieldLogger
	server   *redcon.Server
	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	clients  int
	serving  bool
}

// NewRESPServer creates a server for store on addr
func NewRESPServer(addr string, store *MemoryStore, log logrus.FieldLogger) *RESPServer {
	return &RESPServer{
		addr:   addr,
		store:  store,
		log:    log,
		stopCh: make(chan struct{}),
	}
}

// Listen binds the listening socket. Addr is valid after Listen returns.
func (s *RESPServer) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := redcon.NewServer(s.addr,
		s.handleCommand,
		s.handleAccept,
		s.handleClose,
	)

	s.mu.Lock()
	s.listener = ln
	s.server = srv
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until Close is called
func (s *RESPServer) Serve() error {
	s.mu.RLock()
	srv, ln := s.server, s.listener
	s.mu.RUnlock()
	if srv == nil {
		return errors.New("resp server: Listen not called")
	}

	s.mu.Lock()
	s.serving = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.sweepLoop()

	s.log.WithField("addr", ln.Addr().String()).Info("coordination store listening")
	return srv.Serve(ln)
}

// Close stops the sweeper and the listener
func (s *RESPServer) Close() error {
	s.mu.Lock()
	srv, ln, serving := s.server, s.listener, s.serving
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	close(s.stopCh)
	s.wg.Wait()
	if !serving {
		return ln.Close()
	}
	if err := srv.Close(); err != nil {
		_ = ln.Close()
	}
	return nil
}

// Addr returns the bound address, or the configured one before Listen
func (s *RESPServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *RESPServer) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if n := s.store.Sweep(); n > 0 {
				s.log.WithField("expired", n).Debug("swept expired keys")
			}
		}
	}
}

func (s *RESPServer) handleAccept(conn redcon.Conn) bool {
	s.mu.Lock()
	s.clients++
	s.mu.Unlock()
	s.log.WithField("remote", conn.RemoteAddr()).Debug("client connected")
	return true
}

func (s *RESPServer) handleClose(conn redcon.Conn, err error) {
	s.mu.Lock()
	s.clients--
	s.mu.Unlock()
	s.log.WithField("remote", conn.RemoteAddr()).Debug("client disconnected")
}

func (s *RESPServer) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	s.execute(conn, cmd.Args)
	for _, p := range conn.ReadPipeline() {
		s.execute(conn, p.Args)
	}
}

func (s *RESPServer) execute(conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}
	ctx := context.Background()
	name := strings.ToLower(string(args[0]))

	switch name {
	case "ping":
		if len(args) > 1 {
			conn.WriteBulk(args[1])
			return
		}
		conn.WriteString("PONG")
	case "quit":
		conn.WriteString("OK")
		conn.Close()
	case "client":
		conn.WriteString("OK")
	case "select":
		if len(args) != 2 || string(args[1]) != "0" {
			conn.WriteError("ERR DB index is out of range")
			return
		}
		conn.WriteString("OK")
	case "get":
		if !arity(conn, args, 2) {
			return
		}
		value, err := s.store.Get(ctx, string(args[1]))
		if errors.Is(err, ErrKeyNotFound) {
			conn.WriteNull()
			return
		}
		conn.WriteBulkString(value)
	case "set":
		s.set(ctx, conn, args)
	case "setnx":
		if !arity(conn, args, 3) {
			return
		}
		ok, err := s.store.SetIfAbsent(ctx, string(args[1]), string(args[2]), 0)
		if err != nil {
			conn.WriteError("ERR " + err.Error())
			return
		}
		conn.WriteInt(boolInt(ok))
	case "del":
		if len(args) < 2 {
			wrongArgs(conn, name)
			return
		}
		removed := 0
		for _, key := range args[1:] {
			if s.exists(ctx, string(key)) {
				removed++
			}
			if err := s.store.Delete(ctx, string(key)); err != nil {
				conn.WriteError("ERR " + err.Error())
				return
			}
		}
		conn.WriteInt(removed)
	case "sadd":
		if len(args) < 3 {
			wrongArgs(conn, name)
			return
		}
		added := s.setChange(ctx, string(args[1]), args[2:], true)
		conn.WriteInt(added)
	case "srem":
		if len(args) < 3 {
			wrongArgs(conn, name)
			return
		}
		removed := s.setChange(ctx, string(args[1]), args[2:], false)
		conn.WriteInt(removed)
	case "smembers":
		if !arity(conn, args, 2) {
			return
		}
		members, _ := s.store.MembersOf(ctx, string(args[1]))
		conn.WriteArray(len(members))
		for _, m := range members {
			conn.WriteBulkString(m)
		}
	case "eval", "evalsha":
		s.eval(ctx, conn, name, args)
	case "pttl":
		if !arity(conn, args, 2) {
			return
		}
		ttl, ok := s.store.TTL(string(args[1]))
		switch {
		case !ok:
			conn.WriteInt(-2)
		case ttl < 0:
			conn.WriteInt(-1)
		default:
			conn.WriteInt64(ttl.Milliseconds())
		}
	default:
		conn.WriteError("ERR unknown command '" + string(args[0]) + "'")
	}
}

// set handles SET key value [NX] [EX seconds|PX milliseconds]
func (s *RESPServer) set(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) < 3 {
		wrongArgs(conn, "set")
		return
	}
	key, value := string(args[1]), string(args[2])
	var (
		ttl time.Duration
		nx  bool
	)
	for i := 3; i < len(args); i++ {
		switch strings.ToLower(string(args[i])) {
		case "nx":
			nx = true
		case "ex", "px":
			if i+1 >= len(args) {
				conn.WriteError("ERR syntax error")
				return
			}
			n, err := strconv.ParseInt(string(args[i+1]), 10, 64)
			if err != nil || n <= 0 {
				conn.WriteError("ERR invalid expire time in 'set' command")
				return
			}
			unit := time.Second
			if strings.EqualFold(string(args[i]), "px") {
				unit = time.Millisecond
			}
			ttl = time.Duration(n) * unit
			i++
		default:
			conn.WriteError("ERR syntax error")
			return
		}
	}

	if nx {
		ok, err := s.store.SetIfAbsent(ctx, key, value, ttl)
		if err != nil {
			conn.WriteError("ERR " + err.Error())
			return
		}
		if !ok {
			conn.WriteNull()
			return
		}
		conn.WriteString("OK")
		return
	}
	if err := s.store.Set(ctx, key, value, ttl); err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteString("OK")
}

// eval handles EVAL and EVALSHA for the scripts RedisStore sends. There is no
// Lua interpreter; each known script maps to a native store call.
func (s *RESPServer) eval(ctx context.Context, conn redcon.Conn, name string, args [][]byte) {
	if len(args) < 3 {
		wrongArgs(conn, name)
		return
	}
	known := string(args[1]) == refreshLua
	if name == "evalsha" {
		known = strings.EqualFold(string(args[1]), refreshScript.Hash())
	}
	if !known {
		if name == "evalsha" {
			conn.WriteError("NOSCRIPT No matching script. Please use EVAL.")
			return
		}
		conn.WriteError("ERR unsupported script")
		return
	}

	if numKeys, err := strconv.Atoi(string(args[2])); err != nil || numKeys != 1 || len(args) != 6 {
		conn.WriteError("ERR refresh script takes one key and two arguments")
		return
	}
	ms, err := strconv.ParseInt(string(args[5]), 10, 64)
	if err != nil || ms <= 0 {
		conn.WriteError("ERR invalid expire time in '" + name + "' command")
		return
	}
	ok, err := s.store.RefreshIfEqual(ctx, string(args[3]), string(args[4]), time.Duration(ms)*time.Millisecond)
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteInt(boolInt(ok))
}

func (s *RESPServer) exists(ctx context.Context, key string) bool {
	if _, err := s.store.Get(ctx, key); err == nil {
		return true
	}
	members, _ := s.store.MembersOf(ctx, key)
	return len(members) > 0
}

func (s *RESPServer) setChange(ctx context.Context, key string, members [][]byte, add bool) int {
	current, _ := s.store.MembersOf(ctx, key)
	present := make(map[string]bool, len(current))
	for _, m := range current {
		present[m] = true
	}
	changed := 0
	for _, raw := range members {
		m := string(raw)
		if add && !present[m] {
			_ = s.store.AddToSet(ctx, key, m)
			present[m] = true
			changed++
		} else if !add && present[m] {
			_ = s.store.RemoveFromSet(ctx, key, m)
			delete(present, m)
			changed++
		}
	}
	return changed
}

func arity(conn redcon.Conn, args [][]byte, n int) bool {
	if len(args) != n {
		wrongArgs(conn, strings.ToLower(string(args[0])))
		return false
	}
	return true
}

func wrongArgs(conn redcon.Conn, name string) {
	conn.WriteError("ERR wrong number of arguments for '" + name + "' command")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Clients returns the number of open client connections
func (s *RESPServer) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients
}
