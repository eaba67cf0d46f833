package main

// main drives the interactive command loop. When built with -buildmode
// c-shared the exported functions in library.go are the entry points and
// this is never called.
func main() {
	runCommandLine()
}
