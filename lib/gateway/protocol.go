package gateway

import (
	_ "embed"
	"net/http"

	"github.com/ghodss/yaml"

	"github.com/MAGI3/Magi/lib/logger"
)

// protocolYAML is the descriptor for the domains the gateway actually
// emulates. Everything else is passed through to the page debugger and is
// deliberately not declared here.
//
//go:embed protocol.yaml
var protocolYAML []byte

func (g *Gateway) handleProtocol(w http.ResponseWriter, r *http.Request) {
	jsonData, err := yaml.YAMLToJSON(protocolYAML)
	if err != nil {
		http.Error(w, "failed to convert protocol descriptor", http.StatusInternalServerError)
		logger.FromContext(r.Context()).Error("protocol descriptor conversion failed", "err", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(jsonData)
}
