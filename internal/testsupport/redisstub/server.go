// Package redisstub is an in-process RESP2 server implementing the subset of
// Redis Streams commands the bridge uses, so tests run without a real store.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string

	mu      sync.Mutex
	streams map[string]*stream
	conns   map[net.Conn]struct{}
	closed  chan struct{}

	tlsCert tls.Certificate
	certPEM []byte
	keyPEM  []byte
}

type stream struct {
	entries []entry
	lastMs  int64
	lastSeq int64
	groups  map[string]*group
}

type entry struct {
	ms     int64
	seq    int64
	fields []string
}

func (e entry) id() string {
	return fmt.Sprintf("%d-%d", e.ms, e.seq)
}

type group struct {
	lastMs  int64
	lastSeq int64
	pending map[string]*delivery
}

type delivery struct {
	consumer  string
	delivered time.Time
}

func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:    opts,
		streams: make(map[string]*stream),
		conns:   make(map[net.Conn]struct{}),
		closed:  make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	var (
		ln  net.Listener
		err error
	)
	if opts.EnableTLS {
		certPEM, keyPEM, cert, err := generateSelfSignedCert()
		if err != nil {
			return nil, err
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err != nil {
			return nil, err
		}
	} else {
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

func (s *Server) KeyPEM() []byte {
	return s.keyPEM
}

// Close stops accepting connections and drops every open one.
func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
	return nil
}

// Add appends an entry directly, bypassing the network. It returns the id.
func (s *Server) Add(name string, fields map[string]string) string {
	flat := make([]string, 0, len(fields)*2)
	for k, v := range fields {
		flat = append(flat, k, v)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(s.ensureStream(name), "*", flat)
}

// Entries returns a copy of a stream's entries as id → fields.
func (s *Server) Entries(name string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[name]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, len(strm.entries))
	for _, e := range strm.entries {
		values := make(map[string]string, len(e.fields)/2)
		for i := 0; i+1 < len(e.fields); i += 2 {
			values[e.fields[i]] = e.fields[i+1]
		}
		out = append(out, Entry{ID: e.id(), Values: values})
	}
	return out
}

// Entry is a stream record exposed to tests.
type Entry struct {
	ID     string
	Values map[string]string
}

// Pending returns the number of delivered but unacknowledged entries.
func (s *Server) Pending(name, groupName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[name]
	if !ok {
		return 0
	}
	g, ok := strm.groups[groupName]
	if !ok {
		return 0
	}
	return len(g.pending)
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeError(writer, "ERR wrong number of arguments") != nil {
				return
			}
			continue
		}
		var werr error
		switch strings.ToUpper(args[0]) {
		case "PING":
			werr = writeSimpleString(writer, "PONG")
		case "HELLO":
			// Forces clients back onto RESP2.
			werr = writeError(writer, "ERR unknown command 'HELLO'")
		case "AUTH":
			password := ""
			switch len(args) {
			case 2:
				password = args[1]
			case 3:
				password = args[2]
			default:
				werr = writeError(writer, "ERR wrong number of arguments for 'auth'")
			}
			if werr == nil && len(args) <= 3 && len(args) >= 2 {
				if s.opts.Password == "" || password == s.opts.Password {
					authenticated = true
					werr = writeSimpleString(writer, "OK")
				} else {
					werr = writeError(writer, "WRONGPASS invalid username-password pair")
				}
			}
		case "SELECT", "CLIENT":
			werr = writeSimpleString(writer, "OK")
		default:
			if !authenticated {
				werr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			werr = s.dispatch(writer, args)
		}
		if werr != nil {
			return
		}
	}
}

func (s *Server) dispatch(w *bufio.Writer, args []string) error {
	switch strings.ToUpper(args[0]) {
	case "XADD":
		return s.handleXAdd(w, args)
	case "XLEN":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'xlen'")
		}
		s.mu.Lock()
		n := 0
		if strm, ok := s.streams[args[1]]; ok {
			n = len(strm.entries)
		}
		s.mu.Unlock()
		return writeInteger(w, int64(n))
	case "XRANGE", "XREVRANGE":
		return s.handleRange(w, args)
	case "XREAD":
		return s.handleXRead(w, args)
	case "XGROUP":
		return s.handleXGroup(w, args)
	case "XREADGROUP":
		return s.handleXReadGroup(w, args)
	case "XAUTOCLAIM":
		return s.handleXAutoClaim(w, args)
	case "XACK":
		if len(args) < 4 {
			return writeError(w, "ERR wrong number of arguments for 'xack'")
		}
		return writeInteger(w, int64(s.ack(args[1], args[2], args[3:])))
	default:
		return writeError(w, fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

func (s *Server) handleXAdd(w *bufio.Writer, args []string) error {
	if len(args) < 5 {
		return writeError(w, "ERR wrong number of arguments for 'xadd'")
	}
	name := args[1]
	i := 2
	maxLen := -1
	noMk := false
	for i < len(args) {
		switch strings.ToUpper(args[i]) {
		case "NOMKSTREAM":
			noMk = true
			i++
			continue
		case "MAXLEN":
			i++
			if i < len(args) && (args[i] == "~" || args[i] == "=") {
				i++
			}
			if i >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			n, err := strconv.Atoi(args[i])
			if err != nil {
				return writeError(w, "ERR value is not an integer or out of range")
			}
			maxLen = n
			i++
			continue
		}
		break
	}
	if i >= len(args) {
		return writeError(w, "ERR syntax error")
	}
	id := args[i]
	fields := args[i+1:]
	if len(fields) == 0 || len(fields)%2 != 0 {
		return writeError(w, "ERR wrong number of arguments for 'xadd'")
	}
	s.mu.Lock()
	if _, ok := s.streams[name]; !ok && noMk {
		s.mu.Unlock()
		return writeBulkNil(w)
	}
	strm := s.ensureStream(name)
	assigned := s.appendLocked(strm, id, fields)
	if assigned != "" && maxLen >= 0 && len(strm.entries) > maxLen {
		strm.entries = append([]entry(nil), strm.entries[len(strm.entries)-maxLen:]...)
	}
	s.mu.Unlock()
	if assigned == "" {
		return writeError(w, "ERR The ID specified in XADD is equal or smaller than the target stream top item")
	}
	return writeBulkString(w, assigned)
}

func (s *Server) appendLocked(strm *stream, id string, fields []string) string {
	var ms, seq int64
	if id == "*" {
		ms = time.Now().UnixMilli()
		if ms <= strm.lastMs {
			ms = strm.lastMs
			seq = strm.lastSeq + 1
		}
	} else {
		var err error
		ms, seq, err = parseID(id)
		if err != nil {
			return ""
		}
		if ms < strm.lastMs || (ms == strm.lastMs && seq <= strm.lastSeq && len(strm.entries) > 0) {
			return ""
		}
	}
	strm.lastMs, strm.lastSeq = ms, seq
	strm.entries = append(strm.entries, entry{ms: ms, seq: seq, fields: append([]string(nil), fields...)})
	return fmt.Sprintf("%d-%d", ms, seq)
}

func (s *Server) handleRange(w *bufio.Writer, args []string) error {
	if len(args) < 4 {
		return writeError(w, "ERR wrong number of arguments")
	}
	reverse := strings.ToUpper(args[0]) == "XREVRANGE"
	name, start, stop := args[1], args[2], args[3]
	if reverse {
		start, stop = stop, start
	}
	count := -1
	if len(args) >= 6 && strings.ToUpper(args[4]) == "COUNT" {
		n, err := strconv.Atoi(args[5])
		if err != nil {
			return writeError(w, "ERR value is not an integer or out of range")
		}
		count = n
	}
	loMs, loSeq := boundID(start, false)
	hiMs, hiSeq := boundID(stop, true)
	s.mu.Lock()
	var selected []entry
	if strm, ok := s.streams[name]; ok {
		for _, e := range strm.entries {
			if compare(e.ms, e.seq, loMs, loSeq) >= 0 && compare(e.ms, e.seq, hiMs, hiSeq) <= 0 {
				selected = append(selected, e)
			}
		}
	}
	s.mu.Unlock()
	if reverse {
		for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
			selected[i], selected[j] = selected[j], selected[i]
		}
	}
	if count >= 0 && len(selected) > count {
		selected = selected[:count]
	}
	return writeArray(w, encodeEntries(selected))
}

func (s *Server) handleXRead(w *bufio.Writer, args []string) error {
	count := -1
	blockMs := -1
	var keys []string
	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "COUNT":
			if i+1 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(w, "ERR value is not an integer or out of range")
			}
			count = n
			i++
		case "BLOCK":
			if i+1 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(w, "ERR timeout is not an integer or out of range")
			}
			blockMs = n
			i++
		case "STREAMS":
			keys = args[i+1:]
			i = len(args)
		}
	}
	if len(keys) == 0 || len(keys)%2 != 0 {
		return writeError(w, "ERR Unbalanced 'xread' list of streams: for each stream key an ID or '$' must be specified.")
	}
	half := len(keys) / 2
	names := keys[:half]
	cursors := make([][2]int64, half)
	s.mu.Lock()
	for i, raw := range keys[half:] {
		if raw == "$" {
			if strm, ok := s.streams[names[i]]; ok {
				cursors[i] = [2]int64{strm.lastMs, strm.lastSeq}
			}
			continue
		}
		ms, seq, err := parseID(raw)
		if err != nil {
			s.mu.Unlock()
			return writeError(w, "ERR Invalid stream ID specified as stream command argument")
		}
		cursors[i] = [2]int64{ms, seq}
	}
	s.mu.Unlock()

	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	for {
		var reply []interface{}
		s.mu.Lock()
		for i, name := range names {
			strm, ok := s.streams[name]
			if !ok {
				continue
			}
			var selected []entry
			for _, e := range strm.entries {
				if compare(e.ms, e.seq, cursors[i][0], cursors[i][1]) > 0 {
					selected = append(selected, e)
					if count > 0 && len(selected) == count {
						break
					}
				}
			}
			if len(selected) > 0 {
				reply = append(reply, []interface{}{name, encodeEntries(selected)})
			}
		}
		s.mu.Unlock()
		if len(reply) > 0 {
			return writeArray(w, reply)
		}
		if blockMs < 0 || time.Now().After(deadline) || s.isClosed() {
			return writeNilArray(w)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *Server) handleXGroup(w *bufio.Writer, args []string) error {
	if len(args) < 5 || strings.ToUpper(args[1]) != "CREATE" {
		return writeError(w, "ERR only XGROUP CREATE is supported")
	}
	name, groupName, startID := args[2], args[3], args[4]
	mkStream := len(args) > 5 && strings.ToUpper(args[5]) == "MKSTREAM"
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[name]
	if !ok {
		if !mkStream {
			return writeError(w, "ERR The XGROUP subcommand requires the key to exist.")
		}
		strm = s.ensureStream(name)
	}
	if _, exists := strm.groups[groupName]; exists {
		return writeError(w, "BUSYGROUP Consumer Group name already exists")
	}
	g := &group{pending: make(map[string]*delivery)}
	if startID == "$" {
		g.lastMs, g.lastSeq = strm.lastMs, strm.lastSeq
	} else {
		ms, seq, err := parseID(startID)
		if err != nil {
			return writeError(w, "ERR Invalid stream ID")
		}
		g.lastMs, g.lastSeq = ms, seq
	}
	strm.groups[groupName] = g
	return writeSimpleString(w, "OK")
}

func (s *Server) handleXReadGroup(w *bufio.Writer, args []string) error {
	var groupName, consumer, name, startID string
	count := -1
	blockMs := -1
	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "GROUP":
			if i+2 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			groupName, consumer = args[i+1], args[i+2]
			i += 2
		case "COUNT":
			if i+1 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(w, "ERR value is not an integer or out of range")
			}
			count = n
			i++
		case "BLOCK":
			if i+1 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(w, "ERR timeout is not an integer or out of range")
			}
			blockMs = n
			i++
		case "NOACK":
		case "STREAMS":
			if i+2 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			name, startID = args[i+1], args[i+2]
			i = len(args)
		}
	}
	if name == "" || groupName == "" {
		return writeError(w, "ERR missing stream or group")
	}
	if startID != ">" {
		history, err := s.readHistory(name, groupName, consumer, startID, count)
		if err != nil {
			return writeError(w, err.Error())
		}
		return writeArray(w, []interface{}{[]interface{}{name, encodeEntries(history)}})
	}
	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	for {
		selected, err := s.readGroup(name, groupName, consumer, count)
		if err != nil {
			return writeError(w, err.Error())
		}
		if len(selected) > 0 {
			return writeArray(w, []interface{}{[]interface{}{name, encodeEntries(selected)}})
		}
		if blockMs < 0 || time.Now().After(deadline) || s.isClosed() {
			return writeNilArray(w)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *Server) readGroup(name, groupName, consumer string, count int) ([]entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[name]
	if !ok {
		return nil, fmt.Errorf("NOGROUP No such key '%s' or consumer group '%s'", name, groupName)
	}
	g, ok := strm.groups[groupName]
	if !ok {
		return nil, fmt.Errorf("NOGROUP No such key '%s' or consumer group '%s'", name, groupName)
	}
	var selected []entry
	for _, e := range strm.entries {
		if compare(e.ms, e.seq, g.lastMs, g.lastSeq) <= 0 {
			continue
		}
		selected = append(selected, e)
		g.pending[e.id()] = &delivery{consumer: consumer, delivered: time.Now()}
		g.lastMs, g.lastSeq = e.ms, e.seq
		if count > 0 && len(selected) == count {
			break
		}
	}
	return selected, nil
}

// readHistory redelivers entries already pending for consumer with ids
// after startID.
func (s *Server) readHistory(name, groupName, consumer, startID string, count int) ([]entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.groupLocked(name, groupName)
	if err != nil {
		return nil, err
	}
	ms, seq, err := parseID(startID)
	if err != nil {
		return nil, fmt.Errorf("ERR Invalid stream ID")
	}
	var selected []entry
	for _, e := range s.streams[name].entries {
		if compare(e.ms, e.seq, ms, seq) <= 0 {
			continue
		}
		d, ok := g.pending[e.id()]
		if !ok || d.consumer != consumer {
			continue
		}
		d.delivered = time.Now()
		selected = append(selected, e)
		if count > 0 && len(selected) == count {
			break
		}
	}
	return selected, nil
}

// handleXAutoClaim implements XAUTOCLAIM key group consumer min-idle start
// [COUNT n] with the two element reply.
func (s *Server) handleXAutoClaim(w *bufio.Writer, args []string) error {
	if len(args) < 6 {
		return writeError(w, "ERR wrong number of arguments for 'xautoclaim'")
	}
	name, groupName, consumer := args[1], args[2], args[3]
	minIdle, err := strconv.Atoi(args[4])
	if err != nil {
		return writeError(w, "ERR Invalid min-idle-time argument for XAUTOCLAIM")
	}
	startMs, startSeq, err := parseID(args[5])
	if err != nil {
		return writeError(w, "ERR Invalid stream ID")
	}
	count := 100
	for i := 6; i+1 < len(args); i++ {
		if strings.ToUpper(args[i]) == "COUNT" {
			if count, err = strconv.Atoi(args[i+1]); err != nil || count <= 0 {
				return writeError(w, "ERR COUNT must be > 0")
			}
			i++
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.groupLocked(name, groupName)
	if err != nil {
		return writeError(w, err.Error())
	}
	now := time.Now()
	cursor := "0-0"
	var claimed []entry
	for _, e := range s.streams[name].entries {
		if compare(e.ms, e.seq, startMs, startSeq) < 0 {
			continue
		}
		d, ok := g.pending[e.id()]
		if !ok || now.Sub(d.delivered) < time.Duration(minIdle)*time.Millisecond {
			continue
		}
		if len(claimed) == count {
			cursor = e.id()
			break
		}
		d.consumer = consumer
		d.delivered = now
		claimed = append(claimed, e)
	}
	return writeArray(w, []interface{}{cursor, encodeEntries(claimed)})
}

func (s *Server) groupLocked(name, groupName string) (*group, error) {
	strm, ok := s.streams[name]
	if !ok {
		return nil, fmt.Errorf("NOGROUP No such key '%s' or consumer group '%s'", name, groupName)
	}
	g, ok := strm.groups[groupName]
	if !ok {
		return nil, fmt.Errorf("NOGROUP No such key '%s' or consumer group '%s'", name, groupName)
	}
	return g, nil
}

func (s *Server) ack(name, groupName string, ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[name]
	if !ok {
		return 0
	}
	g, ok := strm.groups[groupName]
	if !ok {
		return 0
	}
	acked := 0
	for _, id := range ids {
		if _, exists := g.pending[id]; exists {
			delete(g.pending, id)
			acked++
		}
	}
	return acked
}

func (s *Server) ensureStream(name string) *stream {
	strm, ok := s.streams[name]
	if !ok {
		strm = &stream{groups: make(map[string]*group)}
		s.streams[name] = strm
	}
	return strm
}

func (s *Server) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func encodeEntries(entries []entry) []interface{} {
	out := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		fields := make([]interface{}, 0, len(e.fields))
		for _, f := range e.fields {
			fields = append(fields, f)
		}
		out = append(out, []interface{}{e.id(), fields})
	}
	return out
}

func parseID(raw string) (int64, int64, error) {
	msPart, seqPart, hasSeq := strings.Cut(raw, "-")
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	if !hasSeq {
		return ms, 0, nil
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return ms, seq, nil
}

func boundID(raw string, upper bool) (int64, int64) {
	switch raw {
	case "-":
		return 0, 0
	case "+":
		return 1<<62 - 1, 1<<62 - 1
	}
	ms, seq, err := parseID(raw)
	if err != nil {
		if upper {
			return 1<<62 - 1, 1<<62 - 1
		}
		return 0, 0
	}
	if upper && !strings.Contains(raw, "-") {
		seq = 1<<62 - 1
	}
	return ms, seq
}

func compare(aMs, aSeq, bMs, bSeq int64) int {
	switch {
	case aMs < bMs:
		return -1
	case aMs > bMs:
		return 1
	case aSeq < bSeq:
		return -1
	case aSeq > bSeq:
		return 1
	}
	return 0
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimRight(line, "\r\n"))
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeNilArray(w *bufio.Writer) error {
	if _, err := w.WriteString("*-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if err := writeArrayRaw(w, values); err != nil {
		return err
	}
	return w.Flush()
}

func writeArrayRaw(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		var err error
		switch v := value.(type) {
		case string:
			_, err = fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
		case int64:
			_, err = fmt.Fprintf(w, ":%d\r\n", v)
		case []interface{}:
			err = writeArrayRaw(w, v)
		default:
			s := fmt.Sprint(v)
			_, err = fmt.Fprintf(w, "$%d\r\n%s\r\n", len(s), s)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
