// Copyright 2025 James Ross
package backend

// WorkflowGraph is the opaque workflow-API graph body (`workflow_api_raw`)
// sent to a machine's /run endpoint. Its authoritative shape lives in the
// workflow/version store, out of scope for the dispatch core (spec §1
// Non-goals); here it is only a node-id-keyed map the core must patch
// external-input values into before dispatch.
type WorkflowGraph map[string]interface{}

const externalTextClassType = "ComfyUIDeployExternalText"

// ApplyInputs mutates every node whose `inputs.input_id` matches a key in
// inputs, replacing that node's `inputs.input_id` value with the supplied
// user input (spec §4.4.1 step 2). Nodes of class_type
// ComfyUIDeployExternalText additionally get `inputs.default_value` set.
// The graph is mutated and returned for chaining; callers that need the
// original untouched should pass a deep copy.
func ApplyInputs(graph WorkflowGraph, inputs map[string]string) WorkflowGraph {
	if len(inputs) == 0 {
		return graph
	}
	for _, raw := range graph {
		node, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		nodeInputs, ok := node["inputs"].(map[string]interface{})
		if !ok {
			continue
		}
		inputID, ok := nodeInputs["input_id"].(string)
		if !ok {
			continue
		}
		value, present := inputs[inputID]
		if !present {
			continue
		}
		nodeInputs["input_id"] = value
		if classType, _ := node["class_type"].(string); classType == externalTextClassType {
			nodeInputs["default_value"] = value
		}
	}
	return graph
}
