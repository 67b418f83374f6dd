package sandbox

import "errors"

// ErrCreateFailed wraps runtime failures while creating or starting a
// sandbox container (bad image, daemon unreachable). Not retried: a bad
// image or config will not fix itself.
var ErrCreateFailed = errors.New("sandbox creation failed")

// ErrTerminated reports that the sandbox container disappeared while a
// command was running inside it — killed concurrently or removed by an
// external actor. Distinct from the command failing on its own, so the
// caller knows to re-invoke rather than trust any partial result.
var ErrTerminated = errors.New("sandbox terminated during command")
