package evidence

import (
	"encoding/json"
	"fmt"
)

// discoverScript lists sliders, then text/number inputs, then buttons, each
// group in document order. Selectors prefer id, data-testid, aria-label and
// name when unique, and fall back to an nth-of-type path.
const discoverScript = `(() => {
  const quote = (v) => '"' + String(v).replace(/["\\]/g, '\\$&') + '"';
  const unique = (s) => { try { return document.querySelectorAll(s).length === 1; } catch (e) { return false; } };
  const path = (el) => {
    const parts = [];
    for (let n = el; n && n.nodeType === 1 && n !== document.documentElement; n = n.parentElement) {
      let i = 1;
      for (let s = n.previousElementSibling; s; s = s.previousElementSibling) if (s.tagName === n.tagName) i++;
      parts.unshift(n.tagName.toLowerCase() + ':nth-of-type(' + i + ')');
    }
    return ['html'].concat(parts).join(' > ');
  };
  const selector = (el) => {
    const tag = el.tagName.toLowerCase();
    if (el.id) {
      const s = tag + '[id=' + quote(el.id) + ']';
      if (unique(s)) return s;
    }
    for (const a of ['data-testid', 'aria-label', 'name']) {
      const v = el.getAttribute(a);
      if (!v) continue;
      const s = tag + '[' + a + '=' + quote(v) + ']';
      if (unique(s)) return s;
    }
    return path(el);
  };
  const label = (el) => {
    const l = el.getAttribute('aria-label') || (el.labels && el.labels[0] && el.labels[0].textContent) || el.textContent || el.name || '';
    return l.trim().replace(/\s+/g, ' ').slice(0, 30);
  };
  const num = (v, d) => { const n = parseFloat(v); return isNaN(n) ? d : n; };
  const out = [];
  document.querySelectorAll('input[type="range"]').forEach((el) => out.push({
    selector: selector(el), kind: 'slider', label: label(el), min: num(el.min, 0), max: num(el.max, 100),
  }));
  document.querySelectorAll('input[type="text"], input[type="number"]').forEach((el) => out.push({
    selector: selector(el), kind: el.type === 'number' ? 'number-input' : 'text-input', label: label(el),
  }));
  document.querySelectorAll('button').forEach((el) => out.push({
    selector: selector(el), kind: 'button', label: label(el),
  }));
  return out;
})()`

// probeScript reports whether the page has any rendered content.
const probeScript = `(() => ({
  ready: document.readyState,
  elements: document.body ? document.body.getElementsByTagName('*').length : 0,
}))()`

// actionResult is what setValueScript and clickScript evaluate to.
type actionResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// setValueScript assigns value and fires input and change events.
func setValueScript(selector, value string) string {
	return fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el) return {ok: false, error: 'element not found'};
  if (el.disabled) return {ok: false, error: 'element disabled'};
  el.value = %s;
  el.dispatchEvent(new Event('input', {bubbles: true}));
  el.dispatchEvent(new Event('change', {bubbles: true}));
  return {ok: true};
})()`, jsString(selector), jsString(value))
}

func clickScript(selector string) string {
	return fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el) return {ok: false, error: 'element not found'};
  if (el.disabled) return {ok: false, error: 'element disabled'};
  el.click();
  return {ok: true};
})()`, jsString(selector))
}
