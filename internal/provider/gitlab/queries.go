package gitlab

const pipelinesQuery = `query($fullPath: ID!, $first: Int!, $after: String, $ref: String,
  $status: PipelineStatusEnum, $updatedAfter: Time, $updatedBefore: Time) {
  project(fullPath: $fullPath) {
    pipelines(first: $first, after: $after, ref: $ref, status: $status,
      updatedAfter: $updatedAfter, updatedBefore: $updatedBefore) {
      pageInfo { hasNextPage endCursor }
      nodes {
        id
        ref
        source
        status
        duration
        createdAt
        stages { nodes { name } }
      }
    }
  }
}`

const jobsQuery = `query($fullPath: ID!, $id: CiPipelineID!, $first: Int!, $after: String) {
  project(fullPath: $fullPath) {
    pipeline(id: $id) {
      jobs(first: $first, after: $after) {
        pageInfo { hasNextPage endCursor }
        nodes {
          id
          name
          status
          duration
          retried
          schedulingType
          stage { name }
          needs { nodes { name } }
        }
      }
    }
  }
}`

type pageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

type nameNodes struct {
	Nodes []struct {
		Name string `json:"name"`
	} `json:"nodes"`
}

// names returns nil rather than an empty slice so decoded and cached jobs compare equal.
func (n *nameNodes) names() []string {
	if n == nil {
		return nil
	}
	var out []string
	for _, node := range n.Nodes {
		if node.Name != "" {
			out = append(out, node.Name)
		}
	}
	return out
}

type pipelinesData struct {
	Project *struct {
		Pipelines *struct {
			PageInfo pageInfo         `json:"pageInfo"`
			Nodes    []gitLabPipeline `json:"nodes"`
		} `json:"pipelines"`
	} `json:"project"`
}

type jobsData struct {
	Project *struct {
		Pipeline *struct {
			Jobs *struct {
				PageInfo pageInfo    `json:"pageInfo"`
				Nodes    []gitLabJob `json:"nodes"`
			} `json:"jobs"`
		} `json:"pipeline"`
	} `json:"project"`
}
