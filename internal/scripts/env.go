package scripts

import (
	"fmt"
	"os"
	"strings"

	"github.com/javi11/nzbd/internal/queue"
)

// BuildOptionEnv exposes configuration options as NZBOP_<UPPER_OPTION>.
func BuildOptionEnv(options map[string]string) []string {
	env := os.Environ()
	for name, value := range options {
		env = append(env, fmt.Sprintf("NZBOP_%s=%s", strings.ToUpper(name), value))
	}
	return env
}

// AppendJobEnv adds per-job parameters as NZBPR_<UPPER_NAME>, once verbatim
// and once with `.`/`:`/`*` replaced by `_` for shells that cannot handle
// the original characters.
func AppendJobEnv(env []string, nzb *queue.NzbInfo) []string {
	for _, p := range nzb.Parameters {
		upper := strings.ToUpper(p.Name)
		env = append(env, fmt.Sprintf("NZBPR_%s=%s", upper, p.Value))
		sanitized := strings.NewReplacer(".", "_", ":", "_", "*", "_").Replace(upper)
		if sanitized != upper {
			env = append(env, fmt.Sprintf("NZBPR_%s=%s", sanitized, p.Value))
		}
	}
	return env
}

// AppendPostEnv adds the NZBPP_* variables a post-processing script receives.
func AppendPostEnv(env []string, nzb *queue.NzbInfo) []string {
	return append(env,
		fmt.Sprintf("NZBPP_NZBNAME=%s", nzb.Name),
		fmt.Sprintf("NZBPP_NZBID=%d", nzb.ID),
		fmt.Sprintf("NZBPP_NZBFILENAME=%s", nzb.Filename),
		fmt.Sprintf("NZBPP_DIRECTORY=%s", nzb.DestDir),
		fmt.Sprintf("NZBPP_FINALDIR=%s", nzb.FinalDir),
		fmt.Sprintf("NZBPP_CATEGORY=%s", nzb.Category),
		fmt.Sprintf("NZBPP_PRIORITY=%d", nzb.Priority),
		fmt.Sprintf("NZBPP_DUPEKEY=%s", nzb.DupeKey),
		fmt.Sprintf("NZBPP_DUPESCORE=%d", nzb.DupeScore),
		fmt.Sprintf("NZBPP_DUPEMODE=%s", nzb.DupeMode),
		fmt.Sprintf("NZBPP_PARSTATUS=%d", nzb.ParStatus),
		fmt.Sprintf("NZBPP_UNPACKSTATUS=%d", nzb.UnpackStatus),
		fmt.Sprintf("NZBPP_MOVESTATUS=%d", nzb.MoveStatus),
		fmt.Sprintf("NZBPP_HEALTH=%d", nzb.CalcHealth()),
		fmt.Sprintf("NZBPP_CRITICALHEALTH=%d", nzb.CalcCriticalHealth(true)),
	)
}

// AppendEventEnv adds the NZBNA_* variables a queue-script receives.
func AppendEventEnv(env []string, nzb *queue.NzbInfo, event string) []string {
	return append(env,
		fmt.Sprintf("NZBNA_NZBNAME=%s", nzb.Name),
		fmt.Sprintf("NZBNA_NZBID=%d", nzb.ID),
		fmt.Sprintf("NZBNA_FILENAME=%s", nzb.Filename),
		fmt.Sprintf("NZBNA_DIRECTORY=%s", nzb.DestDir),
		fmt.Sprintf("NZBNA_URL=%s", nzb.URL),
		fmt.Sprintf("NZBNA_CATEGORY=%s", nzb.Category),
		fmt.Sprintf("NZBNA_PRIORITY=%d", nzb.Priority),
		fmt.Sprintf("NZBNA_DUPEKEY=%s", nzb.DupeKey),
		fmt.Sprintf("NZBNA_DUPESCORE=%d", nzb.DupeScore),
		fmt.Sprintf("NZBNA_DUPEMODE=%s", nzb.DupeMode),
		fmt.Sprintf("NZBNA_EVENT=%s", event),
		fmt.Sprintf("NZBNA_DELETESTATUS=%s", nzb.DeleteStatus),
		fmt.Sprintf("NZBNA_URLSTATUS=%d", nzb.URLStatus),
		fmt.Sprintf("NZBNA_MARKSTATUS=%d", nzb.MarkStatus),
	)
}
