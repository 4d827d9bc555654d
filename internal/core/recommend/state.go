package recommend

import "fmt"

// State は推薦リクエスト1件の処理状態
type State string

const (
	StateReceived   State = "RECEIVED"
	StateEmbedding  State = "EMBEDDING"
	StateRetrieving State = "RETRIEVING"
	StateHydrating  State = "HYDRATING"
	StateReranking  State = "RERANKING"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

// Edge は状態遷移の名前付きの辺
type Edge string

const (
	EdgeCacheHit        Edge = "cache_hit"
	EdgeAccepted        Edge = "accepted"
	EdgeEmbedded        Edge = "embedded"
	EdgeNoCandidates    Edge = "no_candidates"
	EdgeRetrieved       Edge = "retrieved"
	EdgeNothingHydrated Edge = "nothing_hydrated"
	EdgeRerankSkipped   Edge = "rerank_skipped"
	EdgeRerankStarted   Edge = "rerank_started"
	EdgeReranked        Edge = "reranked"
	EdgeRerankFallback  Edge = "rerank_fallback"
	EdgeFailed          Edge = "failed"
)

// transitions は許可された遷移の表
// RERANKING には失敗辺がなく、どの結果でも DONE に到達する
var transitions = map[State]map[Edge]State{
	StateReceived: {
		EdgeCacheHit: StateDone,
		EdgeAccepted: StateEmbedding,
		EdgeFailed:   StateFailed,
	},
	StateEmbedding: {
		EdgeEmbedded: StateRetrieving,
		EdgeFailed:   StateFailed,
	},
	StateRetrieving: {
		EdgeNoCandidates: StateDone,
		EdgeRetrieved:    StateHydrating,
		EdgeFailed:       StateFailed,
	},
	StateHydrating: {
		EdgeNothingHydrated: StateDone,
		EdgeRerankSkipped:   StateDone,
		EdgeRerankStarted:   StateReranking,
		EdgeFailed:          StateFailed,
	},
	StateReranking: {
		EdgeReranked:       StateDone,
		EdgeRerankFallback: StateDone,
	},
}

// Next は現在の状態から辺をたどった先の状態を返す
func Next(from State, edge Edge) (State, error) {
	edges, ok := transitions[from]
	if !ok {
		return from, fmt.Errorf("state %s is terminal", from)
	}
	to, ok := edges[edge]
	if !ok {
		return from, fmt.Errorf("edge %s is not allowed from state %s", edge, from)
	}
	return to, nil
}

// IsTerminal は終端状態かを判定する
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// machine は1リクエスト分の状態と遷移履歴を保持する
type machine struct {
	state State
	trace []State
}

func newMachine() *machine {
	return &machine{
		state: StateReceived,
		trace: []State{StateReceived},
	}
}

// fire は辺をたどって状態を進める
// 表にない遷移はプログラムの誤りなので panic する
func (m *machine) fire(edge Edge) State {
	next, err := Next(m.state, edge)
	if err != nil {
		panic(err)
	}
	m.state = next
	m.trace = append(m.trace, next)
	return next
}

func (m *machine) history() []State {
	out := make([]State, len(m.trace))
	copy(out, m.trace)
	return out
}
