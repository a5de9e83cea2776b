// Command eufyproxy is the live video proxy: it transcodes a single active
// camera's elementary frames into fragmented MP4, fans it out over HTTP, and
// exposes camera state/commands over a JSON WebSocket API.
package main

func main() {
	Execute()
}
