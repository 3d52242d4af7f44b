package worldstate

import (
	"testing"

	"github.com/sebastianspicker/cs2-live-demo-parser/internal/bounds"
)

func TestBuildPlayersDropsDeadWithNoHealth(t *testing.T) {
	rows := []Row{
		{"steamid": int64(1), "team_num": int64(3), "health": int64(0), "X": 1.0, "Y": 2.0, "Z": 0.0},
	}
	wb := &bounds.WorldBounds{}
	res := BuildPlayers(rows, nil, wb)
	if len(res.Players) != 0 {
		t.Fatalf("expected dead/no-health row dropped, got %+v", res.Players)
	}
}

func TestBuildPlayersDropsRowsWithNoPosition(t *testing.T) {
	rows := []Row{
		{"steamid": int64(1), "team_num": int64(3), "health": int64(100)},
	}
	wb := &bounds.WorldBounds{}
	res := BuildPlayers(rows, nil, wb)
	if len(res.Players) != 0 {
		t.Fatalf("expected positionless row dropped, got %+v", res.Players)
	}
}

func TestBuildPlayersAliveCounts(t *testing.T) {
	rows := []Row{
		{"steamid": int64(1), "team_num": int64(3), "health": int64(100), "X": 1.0, "Y": 2.0},
		{"steamid": int64(2), "team_num": int64(2), "health": int64(80), "X": 3.0, "Y": 4.0},
		{"steamid": int64(3), "team_num": int64(3), "life_state": int64(1), "health": int64(50), "X": 5.0, "Y": 6.0},
	}
	wb := &bounds.WorldBounds{}
	res := BuildPlayers(rows, nil, wb)
	if res.AliveCT != 1 || res.AliveT != 1 {
		t.Fatalf("alive counts = ct:%d t:%d, want ct:1 t:1", res.AliveCT, res.AliveT)
	}
	if len(res.Players) != 3 {
		t.Fatalf("expected all 3 rows kept (dead one has health>0), got %d", len(res.Players))
	}
}

func TestBuildPlayersVectorAlias(t *testing.T) {
	rows := []Row{
		{"steamid": int64(1), "team_num": int64(3), "health": int64(100), "m_vecOrigin": []float64{10.456, 20.444, 5.0}},
	}
	wb := &bounds.WorldBounds{}
	res := BuildPlayers(rows, nil, wb)
	if len(res.Players) != 1 {
		t.Fatalf("expected 1 player via vector alias, got %d", len(res.Players))
	}
	p := res.Players[0]
	if p.X != 10.46 || p.Y != 20.44 {
		t.Fatalf("rounding wrong: %+v", p)
	}
}

func TestBuildPlayersWidensUnfixedBounds(t *testing.T) {
	rows := []Row{
		{"steamid": int64(1), "team_num": int64(3), "health": int64(100), "X": 500.0, "Y": -200.0},
	}
	wb := &bounds.WorldBounds{}
	BuildPlayers(rows, nil, wb)
	if wb.MaxX != 500 || wb.MinY != -200 {
		t.Fatalf("expected widening, got %+v", wb)
	}
}

func TestBuildPlayersRespectsFixedBounds(t *testing.T) {
	rows := []Row{
		{"steamid": int64(1), "team_num": int64(3), "health": int64(100), "X": 500.0, "Y": -200.0},
	}
	wb := &bounds.WorldBounds{MinX: 0, MaxX: 10, MinY: 0, MaxY: 10, Fixed: true}
	BuildPlayers(rows, nil, wb)
	if wb.MaxX != 10 || wb.MinY != 0 {
		t.Fatalf("fixed bounds should not widen, got %+v", wb)
	}
}

func TestBuyStatusThresholds(t *testing.T) {
	cases := []struct {
		money float64
		want  string
	}{
		{5000, "Full Buy"},
		{6000, "Full Buy"},
		{3000, "Half Buy"},
		{4999, "Half Buy"},
		{2000, "Force Buy"},
		{2999, "Force Buy"},
		{0, "Eco"},
		{1999, "Eco"},
	}
	for _, c := range cases {
		if got := BuyStatus(c.money); got != c.want {
			t.Errorf("BuyStatus(%v) = %q, want %q", c.money, got, c.want)
		}
	}
}

func TestComputeEconomy(t *testing.T) {
	rows := []Row{
		{"team_num": int64(3), "balance": int64(16000)},
		{"team_num": int64(3), "balance": int64(9000)},
		{"team_num": int64(2), "balance": int64(1000)},
	}
	econ := ComputeEconomy(rows)
	if econ.CT != 25000 || econ.T != 1000 {
		t.Fatalf("totals = %+v", econ)
	}
	if econ.CTStatus != "Full Buy" {
		t.Fatalf("ct status = %q, want Full Buy (mean 5000)", econ.CTStatus)
	}
	if econ.TStatus != "Eco" {
		t.Fatalf("t status = %q, want Eco (mean 200)", econ.TStatus)
	}
}

func TestComputeElapsedSeconds(t *testing.T) {
	if got := ComputeElapsedSeconds(0, 0, 100); got != 0 {
		t.Fatalf("expected 0 with missing header fields, got %v", got)
	}
	got := ComputeElapsedSeconds(128000, 1000, 64000)
	if got != 500 {
		t.Fatalf("elapsed = %v, want 500", got)
	}
}
