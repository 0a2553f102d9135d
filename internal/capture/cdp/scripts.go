// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package cdp

import (
	"encoding/json"
	"strings"

	"github.com/ManuGH/webtuner/internal/capture"
)

// bindingName is the page-side function MediaRecorder chunks are posted through.
const bindingName = "__webtunerChunk"

// startTemplate starts playback and recording. It is re-entrant: a page that
// already records only gets its video nudged back into playing.
// Placeholders: __SELECTOR__, __MIME__, __SLICE__, __BINDING__.
const startTemplate = `(async () => {
  const sleep = (ms) => new Promise((r) => setTimeout(r, ms));
  for (let i = 0; i < 50 && document.readyState !== "complete"; i++) await sleep(200);

  const selector = __SELECTOR__;
  if (selector) {
    const el = document.querySelector(selector);
    if (el) el.click();
  }

  let video = null;
  for (let i = 0; i < 50 && !video; i++) {
    video = Array.from(document.querySelectorAll("video")).find((v) => v.readyState >= 2) || null;
    if (!video) await sleep(200);
  }
  if (!video) return false;

  video.muted = false;
  if (video.paused) {
    try { await video.play(); } catch (e) { video.muted = true; await video.play(); }
  }
  const t0 = video.currentTime;
  for (let i = 0; i < 25 && video.currentTime === t0; i++) await sleep(200);
  if (video.currentTime === t0) return false;

  const rec = window.__webtunerRecorder;
  if (rec && rec.state === "recording") return true;

  const stream = video.captureStream ? video.captureStream() : video.mozCaptureStream();
  const mime = __MIME__;
  const opts = MediaRecorder.isTypeSupported(mime) ? { mimeType: mime } : {};
  const recorder = new MediaRecorder(stream, opts);
  recorder.ondataavailable = async (ev) => {
    if (!ev.data || ev.data.size === 0) return;
    const buf = new Uint8Array(await ev.data.arrayBuffer());
    let bin = "";
    for (let i = 0; i < buf.length; i += 0x8000) {
      bin += String.fromCharCode.apply(null, buf.subarray(i, i + 0x8000));
    }
    window[__BINDING__](btoa(bin));
  };
  recorder.start(__SLICE__);
  window.__webtunerRecorder = recorder;
  return true;
})()`

const titleExpression = `document.title`

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// startScript renders startTemplate for p, or returns p.Script verbatim when set.
func startScript(p capture.Profile) string {
	if strings.TrimSpace(p.Script) != "" {
		return p.Script
	}
	slice := p.TimeSlice.Milliseconds()
	if slice <= 0 {
		slice = 1000
	}
	sel := "null"
	if p.Selector != "" {
		sel = jsString(p.Selector)
	}
	mime := p.MimeType
	if mime == "" {
		mime = "video/webm;codecs=h264,opus"
	}
	r := strings.NewReplacer(
		"__SELECTOR__", sel,
		"__MIME__", jsString(mime),
		"__SLICE__", jsonInt(slice),
		"__BINDING__", jsString(bindingName),
	)
	return r.Replace(startTemplate)
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
