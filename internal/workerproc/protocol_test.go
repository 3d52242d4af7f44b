package workerproc

import (
	"bytes"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebastianspicker/cs2-live-demo-parser/internal/demoreader"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/events"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/worldstate"
)

func TestFramingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := SetDemoRequest{Path: "/demos/live.dem"}
	if err := WriteMessage(&buf, MsgTypeSetDemo, req); err != nil {
		t.Fatal(err)
	}
	msgType, body, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if msgType != MsgTypeSetDemo {
		t.Fatalf("type = %#x", msgType)
	}
	var got SetDemoRequest
	if err := Decode(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Path != req.Path {
		t.Fatalf("path = %q", got.Path)
	}
}

func TestFramingEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, MsgTypePoll, nil); err != nil {
		t.Fatal(err)
	}
	msgType, body, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if msgType != MsgTypePoll || body != nil {
		t.Fatalf("type=%#x body=%v", msgType, body)
	}
}

func TestSnapshotSurvivesGob(t *testing.T) {
	snap := demoreader.Snapshot{
		Round: 3, CTScore: 2, TScore: 1, Tick: 4096,
		DataSource: "live.dem",
		Players: []worldstate.Player{
			{ID: 7, Name: "player_one", X: 1.25, Team: "CT", IsAlive: true, Health: 88},
		},
		Events: []events.EventRecord{
			{Type: "bomb_planted", Tick: 4000, Player: "p", Pos: &events.Position{X: 1, Y: 2, Z: 3}},
		},
		Bomb:        events.BombState{Planted: true, Planter: "p"},
		BombPlanted: true,
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, MsgTypeSnapshot, SnapshotReply{Snapshot: snap}); err != nil {
		t.Fatal(err)
	}
	_, body, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	var reply SnapshotReply
	if err := Decode(body, &reply); err != nil {
		t.Fatal(err)
	}
	got := reply.Snapshot
	if got.Round != 3 || got.Tick != 4096 || got.DataSource != "live.dem" {
		t.Fatalf("header fields lost: %+v", got)
	}
	if len(got.Players) != 1 || got.Players[0].Name != "player_one" {
		t.Fatalf("players lost: %+v", got.Players)
	}
	if len(got.Events) != 1 || got.Events[0].Pos == nil || got.Events[0].Pos.Z != 3 {
		t.Fatalf("events lost: %+v", got.Events)
	}
	if !got.Bomb.Planted {
		t.Fatal("bomb state lost")
	}
}

func TestVersionMismatchRejected(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, MsgTypePoll, nil); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	raw[0] = 0xFF // corrupt the version field
	if _, _, err := ReadMessage(bytes.NewReader(raw)); err == nil {
		t.Fatal("corrupted version accepted")
	}
}

// TestSocketCommandLoop drives the worker's serve loop over a real Unix
// socket, without spawning a child process.
func TestSocketCommandLoop(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "worker.sock")
	listener, err := CreateListener(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	w := &worker{factory: nil}
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		w.serveConn(conn)
	}()

	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Poll with no demo set: error reply, loop continues.
	if err := WriteMessage(conn, MsgTypePoll, nil); err != nil {
		t.Fatal(err)
	}
	replyType, body, err := ReadMessage(conn)
	if err != nil {
		t.Fatal(err)
	}
	if replyType != MsgTypeError {
		t.Fatalf("reply = %#x, want error", replyType)
	}
	var reply ErrorReply
	if err := Decode(body, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Message == "" {
		t.Fatal("empty error message")
	}

	// Info with no demo: zero values, no error.
	if err := WriteMessage(conn, MsgTypeInfo, nil); err != nil {
		t.Fatal(err)
	}
	replyType, body, err = ReadMessage(conn)
	if err != nil {
		t.Fatal(err)
	}
	if replyType != MsgTypeInfoData {
		t.Fatalf("reply = %#x, want info", replyType)
	}
	var info InfoReply
	if err := Decode(body, &info); err != nil {
		t.Fatal(err)
	}
	if info.TickRate != 0 || info.TotalTicks != 0 {
		t.Fatalf("info = %+v", info)
	}

	// Stop terminates the loop.
	if err := WriteMessage(conn, MsgTypeStop, nil); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serve loop did not stop")
	}
}
