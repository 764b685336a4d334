// leaguectl is the operator CLI: it starts a league and inspects its
// state over the same wire protocol the agents speak.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/parityleague/backend/internal/config"
	"github.com/parityleague/backend/internal/logging"
	"github.com/parityleague/backend/internal/protocol"
	"github.com/parityleague/backend/internal/rpc"
)

const usage = `usage: leaguectl <command> [flags]

commands:
  start         start the league (requires -operator-key when the LM enforces one)
  standings     print the current standings
  status        print league status and progress
  match         print one match's state (-match required)
  registration  print the registration roster
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	lmURL := fs.String("lm", "", "league manager base URL (default $LEAGUE_MANAGER_URL)")
	leagueID := fs.String("league", "", "league id (default $LEAGUE_ID)")
	operatorKey := fs.String("operator-key", "", "operator key for start")
	matchID := fs.String("match", "", "match id for the match command")
	fs.Parse(os.Args[2:])

	cfg := config.Load()
	if *lmURL == "" {
		*lmURL = cfg.LeagueManagerURL
	}
	if *leagueID == "" {
		*leagueID = cfg.LeagueID
	}

	logger, err := logging.New("production", "leaguectl", protocol.AgentOperator)
	if err != nil {
		fmt.Fprintf(os.Stderr, "leaguectl: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	breakers := rpc.NewBreakerSet(cfg.BreakerFailures, time.Duration(cfg.BreakerOpenSecs)*time.Second)
	client := rpc.NewClient(protocol.AgentOperator, "leaguectl", breakers, cfg.RetryMaxAttempts, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var (
		method string
		params any
	)
	switch command {
	case "start":
		method = protocol.MsgStartLeague
		params = protocol.StartLeagueParams{LeagueID: *leagueID, OperatorKey: *operatorKey}
	case "standings":
		method = protocol.MsgLeagueQuery
		params = protocol.LeagueQueryParams{LeagueID: *leagueID, Query: "standings"}
	case "status":
		method = protocol.MsgLeagueQuery
		params = protocol.LeagueQueryParams{LeagueID: *leagueID, Query: "league_status"}
	case "match":
		if *matchID == "" {
			fmt.Fprintln(os.Stderr, "leaguectl: match requires -match")
			os.Exit(2)
		}
		method = protocol.MsgLeagueQuery
		params = protocol.LeagueQueryParams{LeagueID: *leagueID, Query: "match_state", MatchID: *matchID}
	case "registration":
		method = protocol.MsgLeagueQuery
		params = protocol.LeagueQueryParams{LeagueID: *leagueID, Query: "registration_status"}
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	result, err := client.Call(ctx, *lmURL, method, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "leaguectl: %v\n", err)
		os.Exit(1)
	}

	var pretty any
	if err := json.Unmarshal(result, &pretty); err != nil {
		fmt.Println(string(result))
		return
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
}
