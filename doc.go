// Package fasttime runs a compiled Compute@Edge style WebAssembly program locally.
//
// A Fasttime owns the currently loaded guest module and serves HTTP requests by creating a
// fresh sandboxed instance for each one. The guest talks to the host through the handle based
// fastly-sys ABI: it reads the downstream request, builds a response, calls named backends,
// reads dictionaries and writes to log endpoints. Every pointer the guest hands over is
// bounds checked against its linear memory and every handle is checked against a per-request
// handle table, so a misbehaving guest gets an error status rather than the host crashing.
//
// The loaded module can be replaced while requests are in flight. Instances that already
// started keep running against the module they were created from; requests that arrive after
// the swap see the new module.
//
//	f, err := fasttime.New("bin/main.wasm",
//		fasttime.WithBackend("origin", "localhost:8000"),
//		fasttime.WithDictionary("dictionary-one", map[string]string{"hello": "there"}),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer f.Close(context.Background())
//	http.ListenAndServe("localhost:3000", f)
package fasttime
