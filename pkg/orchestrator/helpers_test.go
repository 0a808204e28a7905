package orchestrator

import "github.com/pario-ai/tiercache/pkg/fingerprint"

func fingerprintOf(q string) string {
	return fingerprint.Of(q, fingerprint.Context{})
}
