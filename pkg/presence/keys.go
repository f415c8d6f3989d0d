package presence

// Redis key layout shared by every node in the cluster.
const (
	fieldOnline = "online"
	fieldIP     = "ip"
	fieldServer = "server"

	// onlineNow is stored in the online field while a player is connected.
	onlineNow = "0"

	// BroadcastTarget addresses every node on the relay.
	BroadcastTarget = "allservers"
)

func playerCountKey(node string) string {
	return "server:" + node + ":playerCount"
}

func usersOnlineKey(node string) string {
	return "server:" + node + ":usersOnline"
}

func playerKey(player string) string {
	return "player:" + player
}
