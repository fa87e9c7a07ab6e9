package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// nodeInfo mirrors internal/admin.NodeInfo's JSON shape. Duplicated here
// rather than imported so the CLI only ever depends on the HTTP contract,
// never on the daemon's internal packages.
type nodeInfo struct {
	ResourceID  uint32 `json:"resource_id"`
	DiagID      string `json:"diag_id"`
	State       string `json:"state"`
	Initialised bool   `json:"initialised"`
	Resourced   bool   `json:"resourced"`
	NumInputs   uint32 `json:"num_inputs"`
	NumOutputs  uint32 `json:"num_outputs"`
}

type nodesResponse struct {
	Nodes []nodeInfo `json:"nodes"`
}

func newNodesCommand(adminAddr *string) *cobra.Command {
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List live client nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := fetchNodes(*adminAddr)
			if err != nil {
				return err
			}

			if outputJSON {
				enc := json.NewEncoder(os.Stdout)
				return enc.Encode(resp)
			}

			renderNodesTable(resp.Nodes)

			return nil
		},
	}

	cmd.Flags().BoolVar(&outputJSON, "json", false, "print raw JSON instead of a table")

	return cmd
}

func fetchNodes(adminAddr string) (nodesResponse, error) {
	resp, err := http.Get(adminAddr + "/1.0/nodes")
	if err != nil {
		return nodesResponse{}, errors.Wrap(err, "brokerctl: request /1.0/nodes")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nodesResponse{}, errors.Errorf("brokerctl: /1.0/nodes returned %s", resp.Status)
	}

	var out nodesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nodesResponse{}, errors.Wrap(err, "brokerctl: decode /1.0/nodes response")
	}

	return out, nil
}

// renderNodesTable prints a table.Render of the node list, mirroring the
// lxc CLI's list-command style.
func renderNodesTable(nodes []nodeInfo) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetRowLine(true)
	table.SetHeader([]string{"Resource", "Diag ID", "State", "Init", "Resourced", "In", "Out"})

	for _, n := range nodes {
		table.Append([]string{
			strconv.FormatUint(uint64(n.ResourceID), 10),
			n.DiagID,
			n.State,
			strconv.FormatBool(n.Initialised),
			strconv.FormatBool(n.Resourced),
			strconv.FormatUint(uint64(n.NumInputs), 10),
			strconv.FormatUint(uint64(n.NumOutputs), 10),
		})
	}

	table.Render()

	if len(nodes) == 0 {
		fmt.Println("No client nodes.")
	}
}
