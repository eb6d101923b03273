package archive

import "os/exec"

// lookPath is a var so tests can stub out "tool is present" without
// depending on the test host's actual PATH.
var lookPath = exec.LookPath
