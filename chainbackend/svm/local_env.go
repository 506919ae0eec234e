package svm

// localEnv is a minimal account-contention model standing in for the
// forked execution environment spec §4.4 describes ("init local copy of
// the execution environment", "replay pending transactions, ignoring
// their outcomes"). A full BPF VM is out of scope for the coordinator;
// what the Simulator actually needs from simulation is whether a
// candidate's writable accounts are still free of conflicting writes from
// transactions ordered ahead of it, which this tracks directly.
type localEnv struct {
	writeLocked map[string]struct{}
}

func newLocalEnv() *localEnv {
	return &localEnv{writeLocked: make(map[string]struct{})}
}

// apply replays a transaction for contention purposes only: its writable
// accounts become locked for the remainder of the simulation regardless of
// whether the transaction would itself have succeeded on-chain.
func (e *localEnv) apply(raw []byte) bool {
	writable, err := writableAccounts(raw)
	if err != nil {
		return false
	}
	for _, a := range writable {
		e.writeLocked[a] = struct{}{}
	}
	return true
}

// tryApply accepts a candidate only if none of its writable accounts are
// already locked by an earlier transaction in this simulation pass, then
// locks them for subsequent candidates (spec §4.4 step 5: "greedily try
// each candidate in input order").
func (e *localEnv) tryApply(raw []byte) bool {
	writable, err := writableAccounts(raw)
	if err != nil {
		return false
	}
	for _, a := range writable {
		if _, locked := e.writeLocked[a]; locked {
			return false
		}
	}
	for _, a := range writable {
		e.writeLocked[a] = struct{}{}
	}
	return true
}

// writableAccounts extracts the base58 addresses of the writable account
// keys in the message's static account-key list; addresses loaded through
// address lookup tables are not included.
func writableAccounts(raw []byte) ([]string, error) {
	tx, err := solanaTransactionFromBytes(raw)
	if err != nil {
		return nil, err
	}
	var out []string
	for i, key := range tx.Message.AccountKeys {
		if tx.Message.IsWritable(uint16(i)) {
			out = append(out, key.String())
		}
	}
	return out, nil
}
