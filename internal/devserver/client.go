package devserver

import (
	"bytes"
	"fmt"
)

const eventsPath = "/__kiln/events"

// clientScript connects to the event stream. "css" swaps stylesheet links
// with a cache-busting query, "reload" reloads the page, "error" shows an
// overlay, and "hello" reloads when the server instance changed.
const clientScript = `<script>(function () {
  var reloadOnRestart = %t;
  var key = "kiln-instance";
  var es = new EventSource(%q);
  function overlay(msg) {
    var el = document.getElementById("kiln-overlay");
    if (!msg) { if (el) el.remove(); return; }
    if (!el) {
      el = document.createElement("pre");
      el.id = "kiln-overlay";
      el.style.cssText = "position:fixed;inset:0;margin:0;padding:2em;z-index:2147483647;" +
        "background:rgba(20,0,0,.92);color:#ff8080;font:14px/1.5 monospace;white-space:pre-wrap;overflow:auto";
      document.body.appendChild(el);
    }
    el.textContent = msg;
  }
  function on(type, fn) {
    es.addEventListener(type, function (e) { fn(JSON.parse(e.data)); });
  }
  on("hello", function (m) {
    var prev = sessionStorage.getItem(key);
    sessionStorage.setItem(key, m.instance);
    if (reloadOnRestart && prev && prev !== m.instance) location.reload();
  });
  on("reload", function () { location.reload(); });
  on("error", function (m) { overlay("[" + m.task + "] " + m.error); });
  on("css", function (m) {
    overlay("");
    var stamp = Date.now();
    document.querySelectorAll('link[rel="stylesheet"]').forEach(function (link) {
      var url = new URL(link.href, location.href);
      var hit = !m.files || m.files.some(function (f) { return url.pathname === f; });
      if (!hit) return;
      url.searchParams.set("kiln", stamp);
      link.href = url.toString();
    });
  });
})();</script>
`

func renderClient(reloadOnRestart bool) []byte {
	return []byte(fmt.Sprintf(clientScript, reloadOnRestart, eventsPath))
}

// inject inserts script before the last </body>, or appends it.
func inject(doc, script []byte) []byte {
	i := bytes.LastIndex(bytes.ToLower(doc), []byte("</body>"))
	if i < 0 {
		return append(append([]byte{}, doc...), script...)
	}
	out := make([]byte, 0, len(doc)+len(script))
	out = append(out, doc[:i]...)
	out = append(out, script...)
	return append(out, doc[i:]...)
}
