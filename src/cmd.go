package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"tagcache/src/api"
)

// Version is set at build time via ldflags
var Version = "dev"

// tagArg returns the optional trailing tag argument, or "" for the default
// namespace.
func tagArg(parts []string, after int) string {
	if len(parts) > after {
		return parts[after]
	}
	return ""
}

// ttlArg parses a timeout in seconds. Zero means never expires.
func ttlArg(raw string) (time.Duration, error) {
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func runCommandLine() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Printf("tagcache v%s\n", Version)
			return
		case "help":
			printHelp()
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
			os.Exit(1)
		}
	}

	// Interactive or pipe mode: one text command per line.
	scanner := bufio.NewScanner(os.Stdin)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		command := strings.ToUpper(parts[0])
		var success bool
		var result string

		switch command {
		case "INIT":
			if len(parts) != 4 {
				fmt.Println("ERROR: INIT requires 3 arguments: directory max_size policy")
				continue
			}
			maxSize, err := strconv.ParseInt(parts[2], 10, 64)
			if err != nil {
				fmt.Println("ERROR: invalid number format")
				continue
			}
			success = api.Init(parts[1], maxSize, parts[3])
			result = "initialized"

		case "SET", "EXSET":
			if len(parts) < 3 || len(parts) > 5 {
				fmt.Printf("ERROR: %s requires key value [ttl_seconds] [tag]\n", command)
				continue
			}
			ttl := time.Duration(0)
			if len(parts) > 3 {
				var err error
				if ttl, err = ttlArg(parts[3]); err != nil {
					fmt.Println("ERROR: invalid number format")
					continue
				}
			}
			if command == "SET" {
				success = api.Set(parts[1], parts[2], ttl, tagArg(parts, 4))
				result = "set"
			} else {
				success = api.ExSet(parts[1], parts[2], ttl, tagArg(parts, 4))
				result = "set exclusively"
			}

		case "GET":
			if len(parts) < 2 || len(parts) > 3 {
				fmt.Println("ERROR: GET requires key [tag]")
				continue
			}
			value := api.Get(parts[1], tagArg(parts, 2))
			if value != nil {
				fmt.Printf("OK: %v\n", value)
			} else {
				fmt.Println("MISS: cache not found")
			}
			continue

		case "POP":
			if len(parts) < 2 || len(parts) > 3 {
				fmt.Println("ERROR: POP requires key [tag]")
				continue
			}
			value, ok := api.Pop(parts[1], tagArg(parts, 2))
			if ok {
				fmt.Printf("OK: %v\n", value)
			} else {
				fmt.Println("MISS: cache not found")
			}
			continue

		case "INCR", "DECR":
			if len(parts) < 3 || len(parts) > 4 {
				fmt.Printf("ERROR: %s requires key delta [tag]\n", command)
				continue
			}
			delta, err := strconv.ParseInt(parts[2], 10, 64)
			if err != nil {
				fmt.Println("ERROR: invalid number format")
				continue
			}
			if command == "DECR" {
				delta = -delta
			}
			value, ok := api.Incr(parts[1], delta, tagArg(parts, 3))
			if ok {
				fmt.Printf("OK: %v\n", value)
			} else {
				fmt.Println("ERROR: failed to increment")
			}
			continue

		case "TTL":
			if len(parts) < 2 || len(parts) > 3 {
				fmt.Println("ERROR: TTL requires key [tag]")
				continue
			}
			ttl, ok := api.TTL(parts[1], tagArg(parts, 2))
			if !ok {
				fmt.Println("MISS: cache not found")
			} else if ttl < 0 {
				fmt.Println("OK: never")
			} else {
				fmt.Printf("OK: %.3f\n", ttl.Seconds())
			}
			continue

		case "TOUCH":
			if len(parts) < 3 || len(parts) > 4 {
				fmt.Println("ERROR: TOUCH requires key ttl_seconds [tag]")
				continue
			}
			ttl, err := ttlArg(parts[2])
			if err != nil {
				fmt.Println("ERROR: invalid number format")
				continue
			}
			success = api.Touch(parts[1], ttl, tagArg(parts, 3))
			result = "touched"

		case "EXISTS":
			if len(parts) < 2 || len(parts) > 3 {
				fmt.Println("ERROR: EXISTS requires key [tag]")
				continue
			}
			if api.Exists(parts[1], tagArg(parts, 2)) {
				fmt.Println("OK: true")
			} else {
				fmt.Println("OK: false")
			}
			continue

		case "KEYS":
			if len(parts) > 2 {
				fmt.Println("ERROR: KEYS requires [tag]")
				continue
			}
			keys := api.Keys(tagArg(parts, 1))
			fmt.Printf("OK: %d keys\n", len(keys))
			for _, key := range keys {
				fmt.Printf("  %v\n", key)
			}
			continue

		case "LEN":
			fmt.Printf("OK: %d\n", api.Len())
			continue

		case "DEL":
			if len(parts) < 2 || len(parts) > 3 {
				fmt.Println("ERROR: DEL requires key [tag]")
				continue
			}
			success = api.Delete(parts[1], tagArg(parts, 2))
			result = "deleted"

		case "CLEAR":
			success = api.Clear()
			result = "cleared"

		case "DROP":
			if len(parts) != 2 {
				fmt.Println("ERROR: DROP requires 1 argument: tag")
				continue
			}
			success = api.Drop(parts[1])
			result = "dropped"

		case "CLOSE":
			success = api.Close()
			result = "closed"

		default:
			fmt.Printf("ERROR: unknown command: %s\n", command)
			continue
		}

		if success {
			fmt.Printf("OK: %s\n", result)
		} else {
			fmt.Printf("ERROR: failed to %s\n", result)
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		os.Exit(1)
	}
}

func printHelp() {
	help := `tagcache - tag-routed SQLite cache

USAGE:
    tagcache [COMMAND]

COMMANDS:
    help     Show this help message
    version  Show version information

INTERACTIVE MODE:
    Run without arguments to enter interactive mode.
    Send simple text commands; the trailing tag argument is optional and
    selects a namespace (default namespace when omitted).

    Available commands:
    INIT directory max_size policy
    SET key value [ttl_seconds] [tag]
    EXSET key value [ttl_seconds] [tag]
    GET key [tag]
    POP key [tag]
    DEL key [tag]
    INCR key delta [tag]
    DECR key delta [tag]
    TTL key [tag]
    TOUCH key ttl_seconds [tag]
    EXISTS key [tag]
    KEYS [tag]
    LEN
    CLEAR
    DROP tag
    CLOSE

    Responses:
    OK: <result>     - Success
    ERROR: <reason>  - Failure
    MISS: <reason>   - Cache miss

EXAMPLES:
    echo 'INIT ./cache 1000 lru' | tagcache
    echo 'SET user:123 alice 60' | tagcache
    echo 'GET user:123' | tagcache
    echo 'SET user:123 alice 60 sessions' | tagcache
    echo 'DROP sessions' | tagcache
`
	fmt.Print(help)
}
