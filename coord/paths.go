package coord

import "strconv"

// Layout of the coordination store:
//
//	/groups/<group>                          group configuration
//	/groups/<group>/nextid                   region id counter
//	/groups/<group>/regions/<id>             region record
//	/groups/<group>/stats/<id>/<node>        region statistics per node
//	/groups/<group>/commits/<id>             split or merge commit marker
//	/nodes/<node>                            node liveness and capacity

func GroupsPath() string {
	return "/groups"
}

func GroupPath(group string) string {
	return Join("groups", group)
}

func CounterPath(group string) string {
	return Join("groups", group, "nextid")
}

func RegionsPath(group string) string {
	return Join("groups", group, "regions")
}

func RegionPath(group string, regionID int64) string {
	return Join("groups", group, "regions", strconv.FormatInt(regionID, 10))
}

func RegionStatsPath(group string, regionID int64) string {
	return Join("groups", group, "stats", strconv.FormatInt(regionID, 10))
}

func NodeStatsPath(group string, regionID int64, nodeID string) string {
	return Join("groups", group, "stats", strconv.FormatInt(regionID, 10), nodeID)
}

func CommitPath(group string, regionID int64) string {
	return Join("groups", group, "commits", strconv.FormatInt(regionID, 10))
}

func NodesPath() string {
	return "/nodes"
}

func NodePath(nodeID string) string {
	return Join("nodes", nodeID)
}
