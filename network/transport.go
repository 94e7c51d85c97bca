package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"dagmesh/logger"
	"dagmesh/protocol"
)

const tcpNetwork = "tcp"

const acceptDeadline = time.Second

// Handler supplies the local node's answers to incoming peer requests
type Handler interface {
	HandleVertex(msg protocol.VertexMessage) error
	HandleSampleQuery(q protocol.SampleQuery) protocol.SampleResponse
	HandleStatusRequest() protocol.StatusResponse
	HandleVertexRange(req protocol.VertexRangeRequest) (protocol.VertexRangeResponse, error)
	HandleSnapshotRequest(req protocol.SnapshotRequest) (json.RawMessage, error)
}

// Server accepts peer connections and dispatches typed messages to the
// handler. Connections carry a stream of JSON messages; each request
// message gets at most one response message back on the same stream.
type Server struct {
	nodeID   string
	port     int
	handler  Handler
	listener net.Listener

	mutex   sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewServer creates a transport server
func NewServer(nodeID string, port int, handler Handler) *Server {
	return &Server{
		nodeID:  nodeID,
		port:    port,
		handler: handler,
	}
}

// Start begins listening and accepting connections
func (s *Server) Start() error {
	listener, err := net.Listen(tcpNetwork, fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	s.listener = listener

	log.WithFields(logger.Fields{
		"nodeID": s.nodeID,
		"port":   s.port,
	}).Info("Transport server listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and waits for connection handlers to drain
func (s *Server) Stop() error {
	s.mutex.Lock()
	if s.stopped {
		s.mutex.Unlock()
		return nil
	}
	s.stopped = true
	s.mutex.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	return err
}

// Addr returns the listener's address, or empty before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		if tcp, ok := s.listener.(*net.TCPListener); ok {
			tcp.SetDeadline(time.Now().Add(acceptDeadline))
		}
		conn, err := s.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.mutex.Lock()
				stopped := s.stopped
				s.mutex.Unlock()
				if stopped {
					return
				}
				continue
			}
			return
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)
	for {
		var msg protocol.Message
		if err := decoder.Decode(&msg); err != nil {
			return
		}
		if err := s.dispatch(&msg, encoder); err != nil {
			log.WithError(err).WithField("type", msg.Type).Debug("Failed to handle peer message")
			return
		}
	}
}

func (s *Server) dispatch(msg *protocol.Message, encoder *json.Encoder) error {
	switch msg.Type {
	case protocol.MessageTypeVertex:
		var vm protocol.VertexMessage
		if err := json.Unmarshal(msg.Payload, &vm); err != nil {
			return err
		}
		return s.handler.HandleVertex(vm)

	case protocol.MessageTypeSampleQuery:
		var q protocol.SampleQuery
		if err := json.Unmarshal(msg.Payload, &q); err != nil {
			return err
		}
		return s.respond(encoder, protocol.MessageTypeSampleResponse, s.handler.HandleSampleQuery(q))

	case protocol.MessageTypeStatusRequest:
		return s.respond(encoder, protocol.MessageTypeStatusResponse, s.handler.HandleStatusRequest())

	case protocol.MessageTypeVertexRangeRequest:
		var req protocol.VertexRangeRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		resp, err := s.handler.HandleVertexRange(req)
		if err != nil {
			return err
		}
		return s.respond(encoder, protocol.MessageTypeVertexRangeResponse, resp)

	case protocol.MessageTypeSnapshotRequest:
		var req protocol.SnapshotRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		raw, err := s.handler.HandleSnapshotRequest(req)
		if err != nil {
			return err
		}
		return s.respond(encoder, protocol.MessageTypeSnapshotResponse, protocol.SnapshotResponse{Snapshot: raw})

	default:
		return fmt.Errorf("unknown message type %d", msg.Type)
	}
}

func (s *Server) respond(encoder *json.Encoder, msgType protocol.MessageType, payload interface{}) error {
	resp, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	return encoder.Encode(resp)
}

// Client issues request/response exchanges against remote peers. Each
// request uses a fresh connection; the engine's sampling rate is low
// enough that pooling is not worth the bookkeeping.
type Client struct {
	nodeID string
}

// NewClient creates a transport client
func NewClient(nodeID string) *Client {
	return &Client{nodeID: nodeID}
}

// RequestVote asks a peer whether it supports a vertex
func (c *Client) RequestVote(ctx context.Context, peer Peer, vertexID string) (bool, error) {
	query := protocol.SampleQuery{
		QueryID:  fmt.Sprintf("%s-%d", c.nodeID, time.Now().UnixNano()),
		VertexID: vertexID,
	}
	var resp protocol.SampleResponse
	if err := c.roundTrip(ctx, peer, protocol.MessageTypeSampleQuery, query, &resp); err != nil {
		return false, err
	}
	return resp.Vote, nil
}

// RequestStatus asks a peer for its chain height and state hash
func (c *Client) RequestStatus(ctx context.Context, peer Peer) (*protocol.StatusResponse, error) {
	var resp protocol.StatusResponse
	if err := c.roundTrip(ctx, peer, protocol.MessageTypeStatusRequest, protocol.StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestVertexRange fetches vertices between two heights, inclusive
func (c *Client) RequestVertexRange(ctx context.Context, peer Peer, start, end uint64) (protocol.VertexRangeResponse, error) {
	req := protocol.VertexRangeRequest{StartHeight: start, EndHeight: end}
	var resp protocol.VertexRangeResponse
	err := c.roundTrip(ctx, peer, protocol.MessageTypeVertexRangeRequest, req, &resp)
	return resp, err
}

// RequestSnapshotRaw fetches a peer's serialized state snapshot. The
// caller decodes and verifies it.
func (c *Client) RequestSnapshotRaw(ctx context.Context, peer Peer, minHeight uint64) (json.RawMessage, error) {
	req := protocol.SnapshotRequest{MinHeight: minHeight}
	var resp protocol.SnapshotResponse
	if err := c.roundTrip(ctx, peer, protocol.MessageTypeSnapshotRequest, req, &resp); err != nil {
		return nil, err
	}
	return resp.Snapshot, nil
}

// SendVertex pushes a vertex to a peer without waiting for a reply
func (c *Client) SendVertex(ctx context.Context, peer Peer, vm protocol.VertexMessage) error {
	conn, err := c.dial(ctx, peer)
	if err != nil {
		return err
	}
	defer conn.Close()
	return c.send(conn, protocol.MessageTypeVertex, vm)
}

func (c *Client) roundTrip(ctx context.Context, peer Peer, msgType protocol.MessageType, payload, out interface{}) error {
	conn, err := c.dial(ctx, peer)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if err := c.send(conn, msgType, payload); err != nil {
		return err
	}

	var resp protocol.Message
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("failed to read response from %s: %w", peer.ID, err)
	}
	if err := json.Unmarshal(resp.Payload, out); err != nil {
		return fmt.Errorf("failed to decode response payload from %s: %w", peer.ID, err)
	}
	return nil
}

func (c *Client) dial(ctx context.Context, peer Peer) (net.Conn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, tcpNetwork, peer.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial peer %s at %s: %w", peer.ID, peer.Address, err)
	}
	return conn, nil
}

func (c *Client) send(conn net.Conn, msgType protocol.MessageType, payload interface{}) error {
	msg, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	return json.NewEncoder(conn).Encode(msg)
}
