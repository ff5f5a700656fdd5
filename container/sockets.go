package container

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/lattice-mesh/lattice/errs"
)

// SharedSocketFDEnv is the environment variable a supervising process
// sets to hand down pre-bound listening sockets across a restart, keyed
// by port: {"7000": 9}.
const SharedSocketFDEnv = "LATTICE_SHARED_SOCKET_FDS"

// SharedSocketFD looks up the file descriptor a supervising process
// bound for port, so a container can inherit a listening socket instead
// of rebinding it itself. Returns *errs.NoSharedSockets if the
// supervisor passed no table at all, or *errs.SocketNotCreated if it did
// but this port isn't in it.
func SharedSocketFD(port int) (int, error) {
	raw, ok := os.LookupEnv(SharedSocketFDEnv)
	if !ok {
		return 0, &errs.NoSharedSockets{}
	}
	var fds map[string]int
	if err := json.Unmarshal([]byte(raw), &fds); err != nil {
		return 0, &errs.ConfigurationError{Message: "malformed " + SharedSocketFDEnv + ": " + err.Error()}
	}
	fd, ok := fds[strconv.Itoa(port)]
	if !ok {
		return 0, &errs.SocketNotCreated{Port: port}
	}
	return fd, nil
}
