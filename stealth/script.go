// Package stealth builds the disguise script injected into every document of
// a stealth session, and the request headers that go with it.
//
// The script is assembled from one template per patched surface. Each section
// is present or absent according to Options, and the whole script is guarded
// by a per-launch marker so that evaluating it twice in the same document is
// a no-op. The marker is a symbol keyed property of window, which property
// name enumeration does not list.
package stealth

import (
	"encoding/json"
	"strings"
	"text/template"
)

// Defaults of the spoofed WebGL renderer.
const (
	DefaultWebGLVendor   = "Intel Inc."
	DefaultWebGLRenderer = "Intel Iris OpenGL Engine"
)

// Options are the inputs of the disguise script.
type Options struct {
	// Marker names the hidden window symbol set once the script ran.
	Marker string

	Languages []string
	Platform  string
	UserAgent string

	HardwareConcurrency int
	DeviceMemory        int

	WebGL         bool
	WebGLVendor   string
	WebGLRenderer string

	CanvasNoise bool
	Permissions bool
}

// Script renders the disguise script.
func Script(o Options) (string, error) {
	if o.WebGLVendor == "" {
		o.WebGLVendor = DefaultWebGLVendor
	}
	if o.WebGLRenderer == "" {
		o.WebGLRenderer = DefaultWebGLRenderer
	}
	if len(o.Languages) == 0 {
		o.Languages = Languages("")
	}
	if o.HardwareConcurrency == 0 {
		o.HardwareConcurrency = 8
	}
	if o.DeviceMemory == 0 {
		o.DeviceMemory = 8
	}

	var b strings.Builder
	if err := scriptTmpl.ExecuteTemplate(&b, "script", o); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Installed returns a function body that is true once the script ran in
// the current document.
func Installed(marker string) string {
	return "return window[Symbol.for(" + jsValue(marker) + ")] === true;"
}

// jsValue renders v as a JavaScript literal.
func jsValue(v interface{}) string {
	buf, err := json.Marshal(v)
	if err != nil {
		return "undefined"
	}
	return string(buf)
}

var scriptTmpl = template.Must(template.New("stealth").Funcs(template.FuncMap{
	"js": jsValue,
}).Parse(scriptSrc))

const scriptSrc = `{{define "script"}}(() => {
	const marker = Symbol.for({{js .Marker}});
	if (window[marker] === true) {
		return;
	}
	Object.defineProperty(window, marker, { value: true, enumerable: false, configurable: false });
{{template "identity" .}}
{{- if .Permissions}}{{template "permissions" .}}{{end}}
{{- if .WebGL}}{{template "webgl" .}}{{end}}
{{- if .CanvasNoise}}{{template "canvas" .}}{{end}}
{{template "window" .}}
})();
{{end}}

{{define "identity"}}
	const defineGetter = (obj, name, value) => {
		try {
			Object.defineProperty(obj, name, { get: () => value, configurable: true });
		} catch (e) {}
	};
	defineGetter(Navigator.prototype, 'webdriver', false);
	defineGetter(Navigator.prototype, 'languages', Object.freeze({{js .Languages}}));
	defineGetter(Navigator.prototype, 'language', {{js (index .Languages 0)}});
{{- if .Platform}}
	defineGetter(Navigator.prototype, 'platform', {{js .Platform}});
{{- end}}
{{- if .UserAgent}}
	defineGetter(Navigator.prototype, 'userAgent', {{js .UserAgent}});
{{- end}}
	defineGetter(Navigator.prototype, 'hardwareConcurrency', {{js .HardwareConcurrency}});
	defineGetter(Navigator.prototype, 'deviceMemory', {{js .DeviceMemory}});

	if (!window.chrome) {
		Object.defineProperty(window, 'chrome', { value: {}, writable: true, configurable: true });
	}
	if (!window.chrome.runtime) {
		window.chrome.runtime = {
			OnInstalledReason: { CHROME_UPDATE: 'chrome_update', INSTALL: 'install', SHARED_MODULE_UPDATE: 'shared_module_update', UPDATE: 'update' },
			PlatformOs: { ANDROID: 'android', CROS: 'cros', LINUX: 'linux', MAC: 'mac', OPENBSD: 'openbsd', WIN: 'win' },
			connect: () => {},
			sendMessage: () => {},
		};
	}
	if (!window.chrome.app) {
		window.chrome.app = { isInstalled: false, getDetails: () => null, getIsInstalled: () => false };
	}
	if (!window.chrome.csi) {
		window.chrome.csi = () => ({ onloadT: Date.now(), startE: Date.now(), pageT: performance.now(), tran: 15 });
	}
	if (!window.chrome.loadTimes) {
		window.chrome.loadTimes = () => ({ commitLoadTime: Date.now() / 1000, connectionInfo: 'h2', npnNegotiatedProtocol: 'h2', wasFetchedViaSpdy: true });
	}

	const pluginNames = ['PDF Viewer', 'Chrome PDF Viewer', 'Chromium PDF Viewer', 'Microsoft Edge PDF Viewer', 'WebKit built-in PDF'];
	const mime = { type: 'application/pdf', suffixes: 'pdf', description: 'Portable Document Format' };
	const plugins = pluginNames.map((name) => ({ name, filename: 'internal-pdf-viewer', description: 'Portable Document Format', length: 1, 0: mime }));
	plugins.item = (i) => plugins[i] || null;
	plugins.namedItem = (n) => plugins.find((p) => p.name === n) || null;
	plugins.refresh = () => {};
	if (window.PluginArray) {
		Object.setPrototypeOf(plugins, PluginArray.prototype);
	}
	defineGetter(Navigator.prototype, 'plugins', plugins);
{{end}}

{{define "permissions"}}
	if (window.navigator.permissions && window.navigator.permissions.query) {
		const query = window.navigator.permissions.query.bind(window.navigator.permissions);
		window.navigator.permissions.query = (params) => (
			params && params.name === 'notifications'
				? Promise.resolve({ state: Notification.permission, onchange: null })
				: query(params)
		);
	}
{{end}}

{{define "webgl"}}
	const patchWebGL = (proto) => {
		if (!proto) {
			return;
		}
		const getParameter = proto.getParameter;
		proto.getParameter = function (param) {
			if (param === 37445) {
				return {{js .WebGLVendor}};
			}
			if (param === 37446) {
				return {{js .WebGLRenderer}};
			}
			return getParameter.call(this, param);
		};
	};
	patchWebGL(window.WebGLRenderingContext && WebGLRenderingContext.prototype);
	patchWebGL(window.WebGL2RenderingContext && WebGL2RenderingContext.prototype);
{{end}}

{{define "canvas"}}
	if (window.HTMLCanvasElement) {
		const toDataURL = HTMLCanvasElement.prototype.toDataURL;
		HTMLCanvasElement.prototype.toDataURL = function (...args) {
			const ctx = this.getContext('2d');
			if (ctx && this.width > 0 && this.height > 0) {
				const shift = Math.floor(Math.random() * 10) - 5;
				const img = ctx.getImageData(0, 0, 1, 1);
				img.data[0] = Math.max(0, Math.min(255, img.data[0] + shift));
				ctx.putImageData(img, 0, 0);
			}
			return toDataURL.apply(this, args);
		};
	}
{{end}}

{{define "window"}}
	if (window.outerWidth === 0 || window.outerHeight === 0) {
		defineGetter(window, 'outerWidth', window.innerWidth);
		defineGetter(window, 'outerHeight', window.innerHeight + 85);
	}
{{end}}
`
